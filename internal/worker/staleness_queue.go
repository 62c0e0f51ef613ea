package worker

import (
	"sort"
	stdsync "sync"
	"time"

	"github.com/campaign-sync/internal/models"
)

// accountStaleness pairs an account with its staleness key.
type accountStaleness struct {
	account     *models.AdAccount
	lastRefresh time.Time // zero when never refreshed
}

// StalenessQueue orders active accounts by how long ago they were last
// quick-refreshed, stalest first. Accounts that never synced sort before
// everything else. The scheduler refreshes the queue each tick and walks it
// in order, so the accounts most behind get their throttle claim attempted
// first when the budget is tight.
type StalenessQueue struct {
	entries []accountStaleness
	mu      stdsync.RWMutex
}

// NewStalenessQueue creates an empty queue.
func NewStalenessQueue() *StalenessQueue {
	return &StalenessQueue{}
}

// Refresh replaces the queue's contents with the given accounts, ordered
// stalest first.
func (q *StalenessQueue) Refresh(accounts []*models.AdAccount) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]accountStaleness, 0, len(accounts))
	for _, account := range accounts {
		entry := accountStaleness{account: account}
		if account.LastQuickRefreshAt != nil {
			entry.lastRefresh = *account.LastQuickRefreshAt
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].lastRefresh.Before(entries[j].lastRefresh)
	})

	q.entries = entries
}

// Ordered returns the queued accounts, stalest first.
func (q *StalenessQueue) Ordered() []*models.AdAccount {
	q.mu.RLock()
	defer q.mu.RUnlock()

	accounts := make([]*models.AdAccount, len(q.entries))
	for i, entry := range q.entries {
		accounts[i] = entry.account
	}
	return accounts
}

// Len returns the number of queued accounts.
func (q *StalenessQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}
