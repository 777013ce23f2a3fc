package session

import (
	"sort"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/wigggles/opentxs-sub020/otxtypes"
)

// AvailableNumbers returns the count of transaction numbers that are signed
// for and ready to spend.
func (c *ServerContext) AvailableNumbers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.available)
}

// AcceptIssuedNumbers takes a grant of numbers from the server and adds them
// to the issued and available pools. Numbers at or below the highest number
// ever granted are replays and are skipped. Returns how many numbers were
// actually accepted.
func (c *ServerContext) AcceptIssuedNumbers(
	nums []otxtypes.TransNum) (int, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	accepted := 0
	for _, num := range nums {
		if num <= c.highestIssued {
			log.Warnf("Skipping replayed number grant %v "+
				"(highest issued %v)", num, c.highestIssued)
			continue
		}

		c.issued.Add(num)
		c.available.Add(num)
		c.highestIssued = num
		accepted++
	}

	if accepted == 0 {
		return 0, nil
	}

	return accepted, c.persistLocked()
}

// ReserveOpeningNumber pops one number from the available pool and marks it
// in use, for service as the opening number of an outgoing transaction or
// cron item. Fails with ErrNumbersExhausted on an empty pool.
func (c *ServerContext) ReserveOpeningNumber() (otxtypes.TransNum, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reserveLocked()
}

// ReserveClosingNumber pops one number from the available pool and marks it
// in use, recorded against a pledged account's closing slot. The ledger
// treats opening and closing reservations identically; the distinction is
// the caller's bookkeeping.
func (c *ServerContext) ReserveClosingNumber(
	account otxtypes.AccountID) (otxtypes.TransNum, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	num, err := c.reserveLocked()
	if err != nil {
		return 0, err
	}

	log.Debugf("Reserved closing number %v for account %v", num, account)

	return num, nil
}

// reserveLocked pops the lowest available number. The caller must hold c.mu.
func (c *ServerContext) reserveLocked() (otxtypes.TransNum, error) {
	if len(c.available) == 0 {
		return 0, ErrNumbersExhausted
	}

	num := lowestNum(c.available)
	c.available.Remove(num)
	c.inUse.Add(num)

	if err := c.persistLocked(); err != nil {
		return 0, err
	}

	return num, nil
}

// HarvestNumber returns a reserved number to the available pool. This is
// only valid when the operation that reserved the number is known with
// certainty not to have been accepted by the server: local validation failed
// before transmission, or the server explicitly rejected the message before
// consuming the number. A number that is not currently in use is refused,
// which makes double harvests fail loudly instead of inflating the pool.
func (c *ServerContext) HarvestNumber(num otxtypes.TransNum) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse.Contains(num) {
		return ErrNumberNotReserved
	}

	c.inUse.Remove(num)
	c.available.Add(num)

	log.Debugf("Harvested number %v back to available pool for %v@%v",
		num, c.localNym, c.server)

	return c.persistLocked()
}

// ConsumeNumber marks a reserved number as spent: the server accepted the
// transaction that carried it. The number stays issued (it may still back a
// live cron item) but can never return to the available pool.
func (c *ServerContext) ConsumeNumber(num otxtypes.TransNum) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse.Contains(num) {
		return ErrNumberNotReserved
	}

	c.inUse.Remove(num)

	return c.persistLocked()
}

// CloseNumber removes a number from the issued pool entirely, used when the
// final receipt carrying it has been processed. A number that is unknown to
// the issued pool is an error.
func (c *ServerContext) CloseNumber(num otxtypes.TransNum) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.issued.Contains(num) {
		return ErrNumberNotIssued
	}

	c.issued.Remove(num)
	c.available.Remove(num)
	c.inUse.Remove(num)

	return c.persistLocked()
}

// RecoverTransactionNumber resynchronizes a number whose fate is externally
// known, e.g. from a signed receipt found during inbox processing. The
// number is marked issued and available without going through a reservation.
// Already-known numbers are left untouched.
func (c *ServerContext) RecoverTransactionNumber(
	num otxtypes.TransNum) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inUse.Contains(num) || c.available.Contains(num) {
		return nil
	}

	c.issued.Add(num)
	c.available.Add(num)
	if num > c.highestIssued {
		c.highestIssued = num
	}

	log.Infof("Recovered transaction number %v for %v@%v", num,
		c.localNym, c.server)

	return c.persistLocked()
}

// VerifyIssuedNumber reports whether the context has signed for the given
// number and not yet closed it out.
func (c *ServerContext) VerifyIssuedNumber(num otxtypes.TransNum) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.issued.Contains(num)
}

// lowestNum returns the smallest member of a non-empty number set. Popping
// low numbers first keeps reservation order deterministic.
func lowestNum(set fn.Set[otxtypes.TransNum]) otxtypes.TransNum {
	var (
		lowest otxtypes.TransNum
		first  = true
	)
	for num := range set {
		if first || num < lowest {
			lowest = num
			first = false
		}
	}

	return lowest
}

// sortedNums flattens a number set into an ascending slice.
func sortedNums(set fn.Set[otxtypes.TransNum]) []otxtypes.TransNum {
	nums := set.ToSlice()
	sort.Slice(nums, func(i, j int) bool {
		return nums[i] < nums[j]
	})

	return nums
}
