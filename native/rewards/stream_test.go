package rewards

import (
	"math/big"
	"testing"

	"stablecore/crypto"
)

const rewardToken = "yvault"

func testAddr(b byte) crypto.Address {
	var raw [20]byte
	raw[19] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw[:])
}

type recordingTransfer struct {
	paid map[string]*big.Int
	fail error
}

func newRecordingTransfer() *recordingTransfer {
	return &recordingTransfer{paid: make(map[string]*big.Int)}
}

func (r *recordingTransfer) fn(token string, to crypto.Address, amount *big.Int) error {
	if r.fail != nil {
		return r.fail
	}
	key := token + "/" + to.String()
	prev, ok := r.paid[key]
	if !ok {
		prev = big.NewInt(0)
	}
	r.paid[key] = new(big.Int).Add(prev, amount)
	return nil
}

func TestNotifyBeforeHoldersEscrows(t *testing.T) {
	stream := NewStream("staking")
	if err := stream.Notify(rewardToken, big.NewInt(1_000)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := stream.Pending(rewardToken); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("pending = %s, want 1000", got)
	}
	holder := testAddr(0x01)
	stream.SetBalance(holder, big.NewInt(500))
	if got := stream.Pending(rewardToken); got.Sign() != 0 {
		t.Fatalf("pending after first balance = %s, want 0", got)
	}
	claimable := stream.Claimable(holder)[rewardToken]
	if claimable.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("claimable = %s, want full escrowed 1000", claimable)
	}
}

func TestProRataSplit(t *testing.T) {
	stream := NewStream("staking")
	alice := testAddr(0x01)
	bob := testAddr(0x02)
	stream.SetBalance(alice, big.NewInt(300))
	stream.SetBalance(bob, big.NewInt(100))

	if err := stream.Notify(rewardToken, big.NewInt(400)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := stream.Claimable(alice)[rewardToken]; got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("alice claimable = %s, want 300", got)
	}
	if got := stream.Claimable(bob)[rewardToken]; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("bob claimable = %s, want 100", got)
	}
}

func TestSetBalanceCheckpointsStaleBalance(t *testing.T) {
	stream := NewStream("staking")
	alice := testAddr(0x01)
	stream.SetBalance(alice, big.NewInt(100))
	if err := stream.Notify(rewardToken, big.NewInt(50)); err != nil {
		t.Fatalf("notify: %v", err)
	}

	// Doubling the balance must not retroactively double the earlier reward.
	stream.SetBalance(alice, big.NewInt(200))
	if err := stream.Notify(rewardToken, big.NewInt(50)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := stream.Claimable(alice)[rewardToken]; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("claimable = %s, want 100", got)
	}
}

func TestClaimPaysOutAndResets(t *testing.T) {
	stream := NewStream("staking")
	transfer := newRecordingTransfer()
	stream.SetTransfer(transfer.fn)
	alice := testAddr(0x01)
	stream.SetBalance(alice, big.NewInt(100))
	if err := stream.Notify(rewardToken, big.NewInt(777)); err != nil {
		t.Fatalf("notify: %v", err)
	}

	payouts, err := stream.Claim(alice)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(payouts) != 1 || payouts[0].Token != rewardToken || payouts[0].Amount.Cmp(big.NewInt(777)) != 0 {
		t.Fatalf("payouts = %+v, want single 777 %s", payouts, rewardToken)
	}
	paid := transfer.paid[rewardToken+"/"+alice.String()]
	if paid == nil || paid.Cmp(big.NewInt(777)) != 0 {
		t.Fatalf("transferred = %s, want 777", paid)
	}

	payouts, err = stream.Claim(alice)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(payouts) != 0 {
		t.Fatalf("second claim payouts = %+v, want none", payouts)
	}
}

func TestNotifyRejectsNonPositive(t *testing.T) {
	stream := NewStream("staking")
	if err := stream.Notify(rewardToken, big.NewInt(0)); err != ErrInvalidAmount {
		t.Fatalf("zero notify err = %v, want ErrInvalidAmount", err)
	}
	if err := stream.Notify(rewardToken, nil); err != ErrInvalidAmount {
		t.Fatalf("nil notify err = %v, want ErrInvalidAmount", err)
	}
}

// Conservation: at every step, the sum of entitlements over all holders plus
// the undistributed escrow never exceeds what was notified, and the gap from
// floor division stays bounded by the number of settlements.
func TestConservationAcrossRandomishSchedule(t *testing.T) {
	stream := NewStream("staking")
	transfer := newRecordingTransfer()
	stream.SetTransfer(transfer.fn)

	holders := []crypto.Address{testAddr(0x01), testAddr(0x02), testAddr(0x03)}
	balances := [][]int64{
		{100, 0, 0},
		{100, 250, 0},
		{40, 250, 33},
		{40, 0, 33},
		{500, 125, 33},
	}
	notifies := []int64{1_000, 17, 999_999, 3, 12_345}

	claimed := big.NewInt(0)
	for step, row := range balances {
		for i, bal := range row {
			stream.SetBalance(holders[i], big.NewInt(bal))
		}
		if err := stream.Notify(rewardToken, big.NewInt(notifies[step])); err != nil {
			t.Fatalf("step %d notify: %v", step, err)
		}
		if step == 2 {
			payouts, err := stream.Claim(holders[1])
			if err != nil {
				t.Fatalf("step %d claim: %v", step, err)
			}
			for _, payout := range payouts {
				claimed.Add(claimed, payout.Amount)
			}
		}
	}

	outstanding := big.NewInt(0)
	for _, holder := range holders {
		outstanding.Add(outstanding, stream.Claimable(holder)[rewardToken])
	}
	outstanding.Add(outstanding, stream.Pending(rewardToken))
	outstanding.Add(outstanding, claimed)

	notified := stream.Notified(rewardToken)
	if outstanding.Cmp(notified) > 0 {
		t.Fatalf("entitlements %s exceed notified %s", outstanding, notified)
	}
	dust := new(big.Int).Sub(notified, outstanding)
	// Each notify and checkpoint can strand at most a few units to floor
	// division across three holders.
	if dust.Cmp(big.NewInt(32)) > 0 {
		t.Fatalf("stranded dust %s too large", dust)
	}
	if got := stream.ClaimedTotal(rewardToken); got.Cmp(claimed) != 0 {
		t.Fatalf("claimed total = %s, want %s", got, claimed)
	}
}
