// Package chain reads settlement events from the on-chain exchange
// contract. The reconciler treats the chain as the source of truth for
// executed settlement and compares it against the off-chain trade ledger.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-core/internal/model"
)

// Reader is the narrow view of the chain the reconciler needs. The
// ethclient-backed Client is the production implementation; tests use an
// in-memory fake.
type Reader interface {
	// BlockNumber returns the current head block.
	BlockNumber(ctx context.Context) (int64, error)
	// FilterEvents returns all settlement fills logged in [fromBlock,
	// toBlock], both bounds inclusive.
	FilterEvents(ctx context.Context, fromBlock, toBlock int64) ([]model.SettlementEvent, error)
	// Close releases the underlying connection.
	Close()
}

// Settlement amounts are fixed-point with 6 decimals on chain.
const amountScale = 6

const settlementABI = `[{
	"type": "event",
	"name": "OrderFilledSigned",
	"inputs": [
		{"name": "maker", "type": "address", "indexed": true},
		{"name": "taker", "type": "address", "indexed": true},
		{"name": "eventId", "type": "uint256", "indexed": true},
		{"name": "outcomeIndex", "type": "uint256", "indexed": false},
		{"name": "isBuy", "type": "bool", "indexed": false},
		{"name": "price", "type": "uint256", "indexed": false},
		{"name": "amount", "type": "uint256", "indexed": false}
	]
}]`

// Client reads OrderFilledSigned logs from one settlement contract.
type Client struct {
	ec       *ethclient.Client
	contract common.Address
	chainID  string
	abi      abi.ABI
	topic    common.Hash
}

// Dial connects to an RPC endpoint and prepares the log filter for the
// given settlement contract address.
func Dial(ctx context.Context, rpcURL, contractAddr string) (*Client, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("chain: invalid contract address %q", contractAddr)
	}
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("chain: query chain id: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("chain: parse settlement abi: %w", err)
	}
	return &Client{
		ec:       ec,
		contract: common.HexToAddress(contractAddr),
		chainID:  chainID.String(),
		abi:      parsed,
		topic:    parsed.Events["OrderFilledSigned"].ID,
	}, nil
}

// BlockNumber implements Reader.
func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	n, err := c.ec.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return int64(n), nil
}

// FilterEvents implements Reader.
func (c *Client) FilterEvents(ctx context.Context, fromBlock, toBlock int64) ([]model.SettlementEvent, error) {
	logs, err := c.ec.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.topic}},
	})
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs [%d,%d]: %w", fromBlock, toBlock, err)
	}

	events := make([]model.SettlementEvent, 0, len(logs))
	for i := range logs {
		ev, err := c.decode(&logs[i])
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *Client) decode(lg *types.Log) (model.SettlementEvent, error) {
	if len(lg.Topics) != 4 {
		return model.SettlementEvent{}, fmt.Errorf("chain: malformed fill log %s:%d", lg.TxHash.Hex(), lg.Index)
	}

	var data struct {
		OutcomeIndex *big.Int
		IsBuy        bool
		Price        *big.Int
		Amount       *big.Int
	}
	if err := c.abi.UnpackIntoInterface(&data, "OrderFilledSigned", lg.Data); err != nil {
		return model.SettlementEvent{}, fmt.Errorf("chain: decode fill log %s:%d: %w", lg.TxHash.Hex(), lg.Index, err)
	}

	eventID := new(big.Int).SetBytes(lg.Topics[3].Bytes())
	return model.SettlementEvent{
		TxHash:       lg.TxHash.Hex(),
		LogIndex:     lg.Index,
		BlockNumber:  int64(lg.BlockNumber),
		MarketKey:    c.chainID + ":" + eventID.String(),
		OutcomeIndex: int(data.OutcomeIndex.Int64()),
		Maker:        common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		Taker:        common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		IsBuy:        data.IsBuy,
		Price:        decimal.NewFromBigInt(data.Price, -amountScale),
		Amount:       decimal.NewFromBigInt(data.Amount, -amountScale),
	}, nil
}

// Close implements Reader.
func (c *Client) Close() { c.ec.Close() }
