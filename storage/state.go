package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"stablecore/crypto"
	"stablecore/native/lending"
)

// Key prefixes for the durable state records.
const (
	prefixPair     = "cdp/pair/"
	prefixPosition = "cdp/pos/"
	prefixIndex    = "cdp/idx/"
	prefixUsage    = "cdp/usage/"
	prefixBalance  = "token/bal/"
)

// Store persists lending pairs, positions, redemption usage and token
// balances as RLP records in a Database. It backs both the lending engine's
// state dependency and the token ledger's balance store.
type Store struct {
	db Database
}

// NewStore wraps a Database.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

// DB exposes the underlying database, mainly for shutdown.
func (s *Store) DB() Database {
	return s.db
}

type pairRecord struct {
	CollateralToken   string
	TotalCollateral   *big.Int
	TotalBorrowShares *big.Int
	TotalBorrowAmount *big.Int
	RatePerSecond     *big.Int
	LastAccrueTime    uint64
	BorrowLimit       *big.Int
	MaxLTVBps         uint64
	LiquidationFeeBps uint64
}

type positionRecord struct {
	Address           []byte
	CollateralBalance *big.Int
	BorrowShares      *big.Int
}

type usageRecord struct {
	Epoch  uint64
	Amount *big.Int
}

func pairKey(pairID string) []byte {
	return []byte(prefixPair + pairID)
}

func positionKey(pairID string, addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("%s%s/%x", prefixPosition, pairID, addr.Bytes()))
}

func indexKey(pairID string) []byte {
	return []byte(prefixIndex + pairID)
}

func usageKey(pairID string, epoch uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", prefixUsage, pairID, epoch))
}

func balanceKey(symbol string, addr crypto.Address) []byte {
	return []byte(fmt.Sprintf("%s%s/%x", prefixBalance, symbol, addr.Bytes()))
}

// GetPair loads a pair record, nil when absent.
func (s *Store) GetPair(pairID string) (*lending.PairState, error) {
	raw, err := s.db.Get(pairKey(pairID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec pairRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode pair %q: %w", pairID, err)
	}
	return &lending.PairState{
		CollateralToken:   rec.CollateralToken,
		TotalCollateral:   rec.TotalCollateral,
		TotalBorrowShares: rec.TotalBorrowShares,
		TotalBorrowAmount: rec.TotalBorrowAmount,
		RatePerSecond:     rec.RatePerSecond,
		LastAccrueTime:    rec.LastAccrueTime,
		BorrowLimit:       rec.BorrowLimit,
		MaxLTVBps:         rec.MaxLTVBps,
		LiquidationFeeBps: rec.LiquidationFeeBps,
	}, nil
}

// PutPair stores a pair record.
func (s *Store) PutPair(pairID string, pair *lending.PairState) error {
	if pair == nil {
		return s.db.Delete(pairKey(pairID))
	}
	raw, err := rlp.EncodeToBytes(&pairRecord{
		CollateralToken:   pair.CollateralToken,
		TotalCollateral:   pair.TotalCollateral,
		TotalBorrowShares: pair.TotalBorrowShares,
		TotalBorrowAmount: pair.TotalBorrowAmount,
		RatePerSecond:     pair.RatePerSecond,
		LastAccrueTime:    pair.LastAccrueTime,
		BorrowLimit:       pair.BorrowLimit,
		MaxLTVBps:         pair.MaxLTVBps,
		LiquidationFeeBps: pair.LiquidationFeeBps,
	})
	if err != nil {
		return fmt.Errorf("storage: encode pair %q: %w", pairID, err)
	}
	return s.db.Put(pairKey(pairID), raw)
}

// GetPosition loads a borrower position, nil when absent.
func (s *Store) GetPosition(pairID string, addr crypto.Address) (*lending.Position, error) {
	raw, err := s.db.Get(positionKey(pairID, addr))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec positionRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode position: %w", err)
	}
	return &lending.Position{
		Address:           crypto.NewAddress(crypto.AccountPrefix, rec.Address),
		CollateralBalance: rec.CollateralBalance,
		BorrowShares:      rec.BorrowShares,
	}, nil
}

// PutPosition stores a position and keeps the pair's address index current.
func (s *Store) PutPosition(pairID string, pos *lending.Position) error {
	if pos == nil {
		return nil
	}
	raw, err := rlp.EncodeToBytes(&positionRecord{
		Address:           pos.Address.Bytes(),
		CollateralBalance: pos.CollateralBalance,
		BorrowShares:      pos.BorrowShares,
	})
	if err != nil {
		return fmt.Errorf("storage: encode position: %w", err)
	}
	if err := s.db.Put(positionKey(pairID, pos.Address), raw); err != nil {
		return err
	}
	return s.indexPosition(pairID, pos.Address)
}

func (s *Store) indexPosition(pairID string, addr crypto.Address) error {
	index, err := s.readIndex(pairID)
	if err != nil {
		return err
	}
	for _, existing := range index {
		if existing.Equal(addr) {
			return nil
		}
	}
	index = append(index, addr)
	return s.writeIndex(pairID, index)
}

func (s *Store) readIndex(pairID string) ([]crypto.Address, error) {
	raw, err := s.db.Get(indexKey(pairID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var packed [][]byte
	if err := rlp.DecodeBytes(raw, &packed); err != nil {
		return nil, fmt.Errorf("storage: decode position index %q: %w", pairID, err)
	}
	out := make([]crypto.Address, 0, len(packed))
	for _, b := range packed {
		out = append(out, crypto.NewAddress(crypto.AccountPrefix, b))
	}
	return out, nil
}

func (s *Store) writeIndex(pairID string, index []crypto.Address) error {
	packed := make([][]byte, 0, len(index))
	for _, addr := range index {
		packed = append(packed, addr.Bytes())
	}
	raw, err := rlp.EncodeToBytes(packed)
	if err != nil {
		return fmt.Errorf("storage: encode position index %q: %w", pairID, err)
	}
	return s.db.Put(indexKey(pairID), raw)
}

// PositionAddresses lists every address that has ever held a position in the
// pair, in first-seen order.
func (s *Store) PositionAddresses(pairID string) ([]crypto.Address, error) {
	return s.readIndex(pairID)
}

// GetRedemptionUsage loads the usage counter for one epoch, nil when absent.
func (s *Store) GetRedemptionUsage(pairID string, epoch uint64) (*lending.RedemptionUsage, error) {
	raw, err := s.db.Get(usageKey(pairID, epoch))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec usageRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("storage: decode usage: %w", err)
	}
	return &lending.RedemptionUsage{Epoch: rec.Epoch, Amount: rec.Amount}, nil
}

// PutRedemptionUsage stores the usage counter for one epoch.
func (s *Store) PutRedemptionUsage(pairID string, epoch uint64, usage *lending.RedemptionUsage) error {
	if usage == nil {
		return s.db.Delete(usageKey(pairID, epoch))
	}
	raw, err := rlp.EncodeToBytes(&usageRecord{Epoch: usage.Epoch, Amount: usage.Amount})
	if err != nil {
		return fmt.Errorf("storage: encode usage: %w", err)
	}
	return s.db.Put(usageKey(pairID, epoch), raw)
}

// Balance implements the token ledger's state contract.
func (s *Store) Balance(symbol string, addr crypto.Address) (*big.Int, error) {
	raw, err := s.db.Get(balanceKey(symbol, addr))
	if errors.Is(err, ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(raw, balance); err != nil {
		return nil, fmt.Errorf("storage: decode balance: %w", err)
	}
	return balance, nil
}

// SetBalance implements the token ledger's state contract.
func (s *Store) SetBalance(symbol string, addr crypto.Address, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	raw, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return fmt.Errorf("storage: encode balance: %w", err)
	}
	return s.db.Put(balanceKey(symbol, addr), raw)
}

// Checksum hashes every stored record in key order. Two stores holding the
// same logical state produce the same digest, which operators compare across
// replicas after restores.
func (s *Store) Checksum() ([32]byte, error) {
	hasher := blake3.New(32, nil)
	var lenBuf [8]byte
	err := s.db.Iterate(nil, func(key, value []byte) error {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(key)))
		hasher.Write(lenBuf[:])
		hasher.Write(key)
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(value)))
		hasher.Write(lenBuf[:])
		hasher.Write(value)
		return nil
	})
	var digest [32]byte
	if err != nil {
		return digest, err
	}
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}
