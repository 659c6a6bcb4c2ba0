// Package token holds the static descriptors for the three tokens this
// core supports and the two Starknet networks it can target. Both sets
// are closed; there is no runtime registration path, since adding a token
// or network is a deliberate, reviewed change to this core's policy
// surface, not a per-session configuration value.
package token

import "fmt"

// NetworkID is one of the two networks this core targets.
type NetworkID string

const (
	Sepolia NetworkID = "sepolia"
	Mainnet NetworkID = "mainnet"
)

// Network carries the per-network connection details for a NetworkID.
type Network struct {
	RPCURL    string
	ChainIDHex string
}

// Networks is the closed NetworkID -> Network map.
var Networks = map[NetworkID]Network{
	Sepolia: {
		RPCURL:     "https://starknet-sepolia.public.blastapi.io",
		ChainIDHex: "0x534e5f5345504f4c4941", // "SN_SEPOLIA"
	},
	Mainnet: {
		RPCURL:     "https://starknet-mainnet.public.blastapi.io",
		ChainIDHex: "0x534e5f4d41494e", // "SN_MAIN"
	},
}

// Symbol is one of the three supported token symbols.
type Symbol string

const (
	ETH  Symbol = "ETH"
	STRK Symbol = "STRK"
	USDC Symbol = "USDC"
)

// Descriptor is the static, per-symbol token metadata. Decimals is
// immutable and never varies by network.
type Descriptor struct {
	Symbol    Symbol
	Name      string
	Decimals  int
	Addresses map[NetworkID]string // felt hex, per-network contract address
}

// registry is the closed Symbol -> Descriptor map.
var registry = map[Symbol]Descriptor{
	ETH: {
		Symbol: ETH, Name: "Ether", Decimals: 18,
		Addresses: map[NetworkID]string{
			Sepolia: "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7",
			Mainnet: "0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7",
		},
	},
	STRK: {
		Symbol: STRK, Name: "Starknet Token", Decimals: 18,
		Addresses: map[NetworkID]string{
			Sepolia: "0x04718f5a0fc34cc1af16a1cdee98ffb20c31f5cd61d6ab07201858f4287c938d",
			Mainnet: "0x04718f5a0fc34cc1af16a1cdee98ffb20c31f5cd61d6ab07201858f4287c938d",
		},
	},
	USDC: {
		Symbol: USDC, Name: "USD Coin", Decimals: 6,
		Addresses: map[NetworkID]string{
			Sepolia: "0x053c91253bc9682c04929ca02ed00b3e423f6710d2ee7e0d5ebb06f3ecf368a8",
			Mainnet: "0x053c91253bc9682c04929ca02ed00b3e423f6710d2ee7e0d5ebb06f3ecf368a8",
		},
	},
}

// Resolve returns the descriptor for symbol, or an error if it is not one
// of the three supported tokens.
func Resolve(symbol string) (Descriptor, error) {
	d, ok := registry[Symbol(symbol)]
	if !ok {
		return Descriptor{}, fmt.Errorf("token: unsupported symbol %q", symbol)
	}
	return d, nil
}

// AddressOn returns the token's contract address on the given network.
func (d Descriptor) AddressOn(network NetworkID) (string, error) {
	addr, ok := d.Addresses[network]
	if !ok {
		return "", fmt.Errorf("token: %s has no address configured on network %q", d.Symbol, network)
	}
	return addr, nil
}

// IsKnown reports whether symbol is one of the supported tokens.
func IsKnown(symbol string) bool {
	_, ok := registry[Symbol(symbol)]
	return ok
}
