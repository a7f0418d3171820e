package chain

func init() {
	// Ethereum Mainnet (chainID 1)
	Register("ETH", Mainnet, &Params{
		Symbol:   "ETH",
		Name:     "Ethereum",
		Family:   FamilyAccountContract,
		Decimals: 18,

		ChainID:         1,
		CoinType:        60,
		AvgBlockSeconds: 12,
	})

	// Ethereum Sepolia Testnet (chainID 11155111)
	Register("ETH", Testnet, &Params{
		Symbol:   "ETH",
		Name:     "Ethereum Sepolia",
		Family:   FamilyAccountContract,
		Decimals: 18,

		ChainID:         11155111,
		CoinType:        60,
		AvgBlockSeconds: 12,
	})

	// BNB Smart Chain Mainnet (chainID 56)
	Register("BSC", Mainnet, &Params{
		Symbol:   "BSC",
		Name:     "BNB Smart Chain",
		Family:   FamilyAccountContract,
		Decimals: 18,

		ChainID:         56,
		CoinType:        60,
		AvgBlockSeconds: 3,
	})

	// BNB Smart Chain Testnet (chainID 97)
	Register("BSC", Testnet, &Params{
		Symbol:   "BSC",
		Name:     "BNB Smart Chain Testnet",
		Family:   FamilyAccountContract,
		Decimals: 18,

		ChainID:         97,
		CoinType:        60,
		AvgBlockSeconds: 3,
	})

	// Polygon Mainnet (chainID 137)
	Register("POLYGON", Mainnet, &Params{
		Symbol:   "POLYGON",
		Name:     "Polygon",
		Family:   FamilyAccountContract,
		Decimals: 18,

		ChainID:         137,
		CoinType:        60,
		AvgBlockSeconds: 2,
	})

	// Polygon Amoy Testnet (chainID 80002)
	Register("POLYGON", Testnet, &Params{
		Symbol:   "POLYGON",
		Name:     "Polygon Amoy",
		Family:   FamilyAccountContract,
		Decimals: 18,

		ChainID:         80002,
		CoinType:        60,
		AvgBlockSeconds: 2,
	})
}
