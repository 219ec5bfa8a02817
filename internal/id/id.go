package id

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
)

var eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)

// ChainID is an EVM chain id. Ordering on ChainID is the deterministic
// tie-breaker used when ranking opportunities.
type ChainID int64

func (c ChainID) String() string {
	if chain, ok := chainByID[c]; ok {
		return chain.Slug
	}
	return strconv.FormatInt(int64(c), 10)
}

// CAIP2 renders the chain as a CAIP-2 identifier.
func (c ChainID) CAIP2() string {
	return fmt.Sprintf("eip155:%d", int64(c))
}

type Chain struct {
	Name  string
	Slug  string
	ID    ChainID
	Llama string
}

func (c Chain) CAIP2() string {
	return c.ID.CAIP2()
}

var chainBySlug = map[string]Chain{
	"ethereum":  {Name: "Ethereum", Slug: "ethereum", ID: 1, Llama: "Ethereum"},
	"mainnet":   {Name: "Ethereum", Slug: "ethereum", ID: 1, Llama: "Ethereum"},
	"base":      {Name: "Base", Slug: "base", ID: 8453, Llama: "Base"},
	"arbitrum":  {Name: "Arbitrum", Slug: "arbitrum", ID: 42161, Llama: "Arbitrum"},
	"optimism":  {Name: "Optimism", Slug: "optimism", ID: 10, Llama: "Optimism"},
	"polygon":   {Name: "Polygon", Slug: "polygon", ID: 137, Llama: "Polygon"},
	"avalanche": {Name: "Avalanche", Slug: "avalanche", ID: 43114, Llama: "Avalanche"},
	"bsc":       {Name: "BSC", Slug: "bsc", ID: 56, Llama: "BSC"},
	"taiko":     {Name: "Taiko", Slug: "taiko", ID: 167000, Llama: "Taiko"},
}

var chainByID = func() map[ChainID]Chain {
	out := make(map[ChainID]Chain, len(chainBySlug))
	for _, chain := range chainBySlug {
		out[chain.ID] = chain
	}
	return out
}()

func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}

	if eip155ChainPattern.MatchString(norm) {
		parts := strings.Split(norm, ":")
		n, _ := strconv.ParseInt(parts[1], 10, 64)
		return LookupChain(ChainID(n)), nil
	}

	if n, err := strconv.ParseInt(norm, 10, 64); err == nil && n > 0 {
		return LookupChain(ChainID(n)), nil
	}

	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
}

// ParseChains parses a list of chain inputs, dropping duplicates.
func ParseChains(inputs []string) ([]ChainID, error) {
	seen := make(map[ChainID]bool, len(inputs))
	out := make([]ChainID, 0, len(inputs))
	for _, in := range inputs {
		chain, err := ParseChain(in)
		if err != nil {
			return nil, err
		}
		if seen[chain.ID] {
			continue
		}
		seen[chain.ID] = true
		out = append(out, chain.ID)
	}
	return out, nil
}

// LookupChain returns registry metadata for id, synthesizing an entry for
// chains outside the registry.
func LookupChain(id ChainID) Chain {
	if chain, ok := chainByID[id]; ok {
		return chain
	}
	return Chain{Name: fmt.Sprintf("EVM-%d", int64(id)), Slug: fmt.Sprintf("evm-%d", int64(id)), ID: id}
}

func SortChains(ids []ChainID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// ParseAddress validates an EVM address identity (owner, admin, agent or recipient).
func ParseAddress(input string) (common.Address, error) {
	raw := strings.TrimSpace(input)
	if !common.IsHexAddress(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid address: %q", input))
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, clierr.New(clierr.CodeUsage, "zero address is not a valid identity")
	}
	return addr, nil
}
