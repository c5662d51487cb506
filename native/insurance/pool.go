package insurance

import (
	"errors"
	"math/big"
	"sync"

	"stablecore/core/events"
	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/native/rewards"
	"stablecore/native/token"
)

const moduleName = "insurance"

var (
	errInvalidAmount     = errors.New("insurance: amount must be positive")
	errInsufficientStake = errors.New("insurance: insufficient staked shares")
	errNotConfigured     = errors.New("insurance: token ledger not configured")
)

// Exported aliases for callers matching pool failures.
var (
	ErrInvalidAmount     = errInvalidAmount
	ErrInsufficientStake = errInsufficientStake
)

// Pool is the stability backstop for the stable token. Stakers deposit
// stablecoin and receive pro-rata shares of the reserve; the reserve absorbs
// liquidation shortfalls by burning staked stablecoin, and staker shares
// drive a reward stream fed by redemption fees.
type Pool struct {
	mu sync.Mutex

	tokens  *token.Ledger
	pauses  common.PauseView
	emitter events.Emitter
	stream  *rewards.Stream

	poolAddress  crypto.Address
	stableSymbol string

	shares      map[string]*big.Int
	totalShares *big.Int
	totalStaked *big.Int
	covered     *big.Int
	losses      *big.Int
}

// NewPool constructs a stability pool holding its reserve at poolAddr. The
// pool address must be registered as a minter for the stable symbol so the
// reserve can be burned against bad debt.
func NewPool(poolAddr crypto.Address, stableSymbol string) *Pool {
	pool := &Pool{
		emitter:      events.NoopEmitter{},
		stream:       rewards.NewStream(moduleName),
		poolAddress:  poolAddr,
		stableSymbol: stableSymbol,
		shares:       make(map[string]*big.Int),
		totalShares:  big.NewInt(0),
		totalStaked:  big.NewInt(0),
		covered:      big.NewInt(0),
		losses:       big.NewInt(0),
	}
	return pool
}

// SetTokenLedger wires the balance authority and points the reward stream's
// payouts at the pool reserve.
func (p *Pool) SetTokenLedger(tokens *token.Ledger) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.tokens = tokens
	p.mu.Unlock()
	p.stream.SetTransfer(func(tok string, to crypto.Address, amount *big.Int) error {
		return tokens.Transfer(tok, p.poolAddress, to, amount)
	})
}

// SetPauses wires the module pause surface.
func (p *Pool) SetPauses(pauses common.PauseView) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.pauses = pauses
	p.mu.Unlock()
}

// SetEmitter wires the audit event sink for the pool and its reward stream.
func (p *Pool) SetEmitter(emitter events.Emitter) {
	if p == nil || emitter == nil {
		return
	}
	p.mu.Lock()
	p.emitter = emitter
	p.mu.Unlock()
	p.stream.SetEmitter(emitter)
}

// Rewards exposes the staking reward stream, the sink redemption fees are
// routed to.
func (p *Pool) Rewards() *rewards.Stream {
	if p == nil {
		return nil
	}
	return p.stream
}

func (p *Pool) stakerKey(addr crypto.Address) string {
	return string(addr.Bytes())
}

func (p *Pool) sharesOf(addr crypto.Address) *big.Int {
	if held := p.shares[p.stakerKey(addr)]; held != nil {
		return held
	}
	return big.NewInt(0)
}

// sharesForStake prices a deposit in shares against the current reserve.
// The first staker, or any staker arriving after the reserve was fully
// consumed, bootstraps at one share per unit.
func (p *Pool) sharesForStake(amount *big.Int) *big.Int {
	if p.totalShares.Sign() == 0 || p.totalStaked.Sign() == 0 {
		return new(big.Int).Set(amount)
	}
	minted := new(big.Int).Mul(amount, p.totalShares)
	return minted.Quo(minted, p.totalStaked)
}

func (p *Pool) stakeForShares(burned *big.Int) *big.Int {
	if p.totalShares.Sign() == 0 {
		return big.NewInt(0)
	}
	amount := new(big.Int).Mul(burned, p.totalStaked)
	return amount.Quo(amount, p.totalShares)
}

// Stake deposits stablecoin into the reserve and mints pro-rata shares.
func (p *Pool) Stake(staker crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := common.Guard(p.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokens == nil {
		return nil, errNotConfigured
	}
	minted := p.sharesForStake(amount)
	if minted.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if err := p.tokens.Transfer(p.stableSymbol, staker, p.poolAddress, amount); err != nil {
		return nil, err
	}
	held := new(big.Int).Add(p.sharesOf(staker), minted)
	p.shares[p.stakerKey(staker)] = held
	p.totalShares = new(big.Int).Add(p.totalShares, minted)
	p.totalStaked = new(big.Int).Add(p.totalStaked, amount)
	p.stream.SetBalance(staker, held)
	p.emitter.Emit(events.Staked{Staker: staker, Amount: new(big.Int).Set(amount), Shares: minted})
	return minted, nil
}

// Unstake burns shares and returns the pro-rata slice of the remaining
// reserve. After a bad-debt event the payout reflects the loss.
func (p *Pool) Unstake(staker crypto.Address, burn *big.Int) (*big.Int, error) {
	if err := common.Guard(p.pauses, moduleName); err != nil {
		return nil, err
	}
	if burn == nil || burn.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokens == nil {
		return nil, errNotConfigured
	}
	held := p.sharesOf(staker)
	if held.Cmp(burn) < 0 {
		return nil, errInsufficientStake
	}
	amount := p.stakeForShares(burn)
	if amount.Sign() > 0 {
		if err := p.tokens.Transfer(p.stableSymbol, p.poolAddress, staker, amount); err != nil {
			return nil, err
		}
	}
	remaining := new(big.Int).Sub(held, burn)
	p.shares[p.stakerKey(staker)] = remaining
	p.totalShares = new(big.Int).Sub(p.totalShares, burn)
	p.totalStaked = new(big.Int).Sub(p.totalStaked, amount)
	p.stream.SetBalance(staker, remaining)
	p.emitter.Emit(events.Unstaked{Staker: staker, Amount: amount, Shares: new(big.Int).Set(burn)})
	return amount, nil
}

// CoverBadDebt burns reserve stablecoin against a liquidation shortfall and
// returns the portion actually covered. Coverage is capped at the reserve,
// never fails the caller, and socializes the covered slice across all
// stakers by shrinking the reserve behind unchanged shares. Whatever the
// reserve could not absorb accumulates in the monotone Losses counter.
func (p *Pool) CoverBadDebt(amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tokens == nil {
		return nil, errNotConfigured
	}
	covered := new(big.Int).Set(amount)
	if covered.Cmp(p.totalStaked) > 0 {
		covered.Set(p.totalStaked)
	}
	if covered.Sign() > 0 {
		if err := p.tokens.Burn(p.poolAddress, p.stableSymbol, p.poolAddress, covered); err != nil {
			return nil, err
		}
		p.totalStaked = new(big.Int).Sub(p.totalStaked, covered)
		p.covered = new(big.Int).Add(p.covered, covered)
	}
	uncovered := new(big.Int).Sub(amount, covered)
	if uncovered.Sign() > 0 {
		p.losses = new(big.Int).Add(p.losses, uncovered)
	}
	p.emitter.Emit(events.BadDebtCovered{
		Requested: new(big.Int).Set(amount),
		Covered:   new(big.Int).Set(covered),
		Uncovered: uncovered,
	})
	return covered, nil
}

// ClaimRewards settles and pays out the staker's accumulated fee rewards.
func (p *Pool) ClaimRewards(staker crypto.Address) ([]rewards.Payout, error) {
	if err := common.Guard(p.pauses, moduleName); err != nil {
		return nil, err
	}
	return p.stream.Claim(staker)
}

// SharesOf returns the staker's share balance.
func (p *Pool) SharesOf(staker crypto.Address) *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.sharesOf(staker))
}

// TotalStaked returns the current reserve size.
func (p *Pool) TotalStaked() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.totalStaked)
}

// TotalShares returns the outstanding share supply.
func (p *Pool) TotalShares() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.totalShares)
}

// CoveredTotal returns the monotone total of reserve burned against bad debt.
func (p *Pool) CoveredTotal() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.covered)
}

// Losses returns the monotone total of shortfall the reserve could not
// absorb. This is the protocol-level bad debt still outstanding.
func (p *Pool) Losses() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.losses)
}
