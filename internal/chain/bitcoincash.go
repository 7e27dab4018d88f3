package chain

func init() {
	// Bitcoin Cash Mainnet
	Register("BCH", Mainnet, &Params{
		Symbol:   "BCH",
		Name:     "Bitcoin Cash",
		Type:     ChainTypeBitcoinCash,
		Decimals: 8,

		CashAddrPrefix:   "bitcoincash",
		PubKeyHashAddrID: 0x00,
		ScriptHashAddrID: 0x05,

		Confirmations: 2,
	})

	// Bitcoin Cash Testnet4
	Register("BCH", Testnet, &Params{
		Symbol:   "BCH",
		Name:     "Bitcoin Cash Testnet",
		Type:     ChainTypeBitcoinCash,
		Decimals: 8,

		CashAddrPrefix:   "bchtest",
		PubKeyHashAddrID: 0x6f,
		ScriptHashAddrID: 0xc4,

		Confirmations: 2,
	})

	// Bitcoin Cash Regtest
	Register("BCH", Regtest, &Params{
		Symbol:   "BCH",
		Name:     "Bitcoin Cash Regtest",
		Type:     ChainTypeBitcoinCash,
		Decimals: 8,

		CashAddrPrefix:   "bchreg",
		PubKeyHashAddrID: 0x6f,
		ScriptHashAddrID: 0xc4,

		Confirmations: 2,
	})
}
