package chain

func init() {
	// Dogecoin Mainnet. No SegWit, but the legacy P2SH path still gives
	// script-hash locking, which is all the swap engine needs.
	Register("DOGE", Mainnet, &Params{
		Symbol:   "DOGE",
		Name:     "Dogecoin",
		Family:   FamilyUtxoScript,
		Decimals: 8,

		PubKeyHashAddrID: 0x1E, // D...
		ScriptHashAddrID: 0x16, // 9 or A...

		CoinType:        3,
		AvgBlockSeconds: 60,
	})

	// Dogecoin Testnet
	Register("DOGE", Testnet, &Params{
		Symbol:   "DOGE",
		Name:     "Dogecoin Testnet",
		Family:   FamilyUtxoScript,
		Decimals: 8,

		PubKeyHashAddrID: 0x71, // n...
		ScriptHashAddrID: 0xC4, // 2...

		CoinType:        1,
		AvgBlockSeconds: 60,
	})
}
