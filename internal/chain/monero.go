package chain

func init() {
	// Monero Mainnet
	Register("XMR", Mainnet, &Params{
		Symbol:   "XMR",
		Name:     "Monero",
		Type:     ChainTypeMonero,
		Decimals: 12,

		AddressNetworkByte: 18,

		Confirmations: 10,
	})

	// Monero Stagenet (testnet role)
	Register("XMR", Testnet, &Params{
		Symbol:   "XMR",
		Name:     "Monero Stagenet",
		Type:     ChainTypeMonero,
		Decimals: 12,

		AddressNetworkByte: 24,

		Confirmations: 10,
	})

	// Monero Regtest (a mainnet-flavored monerod with --regtest)
	Register("XMR", Regtest, &Params{
		Symbol:   "XMR",
		Name:     "Monero Regtest",
		Type:     ChainTypeMonero,
		Decimals: 12,

		AddressNetworkByte: 18,

		Confirmations: 10,
	})
}
