package ledger

import (
	"strconv"
	"strings"
	"testing"

	"github.com/obligate/fabric/pkg/receipt"
)

func sampleReceipt() *receipt.Receipt {
	r := &receipt.Receipt{
		TenantID:    "tenant-a",
		ReceiptID:   "rcpt-1",
		TaskID:      "task-1",
		RecipientAI: "worker-ai",
		Phase:       receipt.PhaseAccepted,
	}
	r.ApplyDefaults()
	return r
}

// TestAppendQueryColumnArgAlignment is a regression guard for the INSERT
// column/placeholder/arg mismatch: the column list, the VALUES clause, and
// the bound args must all agree on count, or Postgres rejects every Append.
func TestAppendQueryColumnArgAlignment(t *testing.T) {
	wantColumns := len(strings.Split(receiptColumns, ","))

	placeholders := 0
	for n := 1; strings.Contains(appendQuery, placeholder(n)); n++ {
		placeholders++
	}
	// now() fills exactly one column (stored_at) that has no placeholder.
	if placeholders+1 != wantColumns {
		t.Fatalf("appendQuery has %d placeholders + now(), want %d to cover %d columns", placeholders, wantColumns-1, wantColumns)
	}

	args, err := receiptInsertArgs(sampleReceipt())
	if err != nil {
		t.Fatalf("receiptInsertArgs: %v", err)
	}
	if len(args) != placeholders {
		t.Fatalf("receiptInsertArgs returned %d args, appendQuery has %d placeholders", len(args), placeholders)
	}
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// fakeChainStore simulates caused_by_receipt_id edges in memory, keyed by
// parent id, so walkChain's branching logic can be exercised without a
// database connection.
type fakeChainStore struct {
	childrenByParent map[string][]receipt.Receipt
}

func (f *fakeChainStore) fetchChildren(ids []string) ([]receipt.Receipt, error) {
	var out []receipt.Receipt
	for _, id := range ids {
		out = append(out, f.childrenByParent[id]...)
	}
	return out, nil
}

// TestWalkChainFollowsAllBranches covers a receipt with two children sharing
// the same caused_by_receipt_id (a retry and a fan-out both produce this
// shape): both must survive the walk, not just the first in stored_at order.
func TestWalkChainFollowsAllBranches(t *testing.T) {
	root := receipt.Receipt{ReceiptID: "root"}
	retry := receipt.Receipt{ReceiptID: "retry", CausedByReceiptID: "root"}
	fanout := receipt.Receipt{ReceiptID: "fanout", CausedByReceiptID: "root"}
	grandchild := receipt.Receipt{ReceiptID: "grandchild", CausedByReceiptID: "retry"}

	store := &fakeChainStore{childrenByParent: map[string][]receipt.Receipt{
		"root":  {retry, fanout},
		"retry": {grandchild},
	}}

	chain, err := walkChain(root, store.fetchChildren)
	if err != nil {
		t.Fatalf("walkChain: %v", err)
	}

	ids := make(map[string]bool, len(chain))
	for _, r := range chain {
		ids[r.ReceiptID] = true
	}
	for _, want := range []string{"root", "retry", "fanout", "grandchild"} {
		if !ids[want] {
			t.Fatalf("walkChain dropped %q, got %v", want, ids)
		}
	}
	if len(chain) != 4 {
		t.Fatalf("walkChain returned %d receipts, want 4 (no duplicates, no extras): %v", len(chain), chain)
	}
}

// TestWalkChainStopsOnEmptyFrontier guards against an infinite loop when a
// leaf receipt has no children.
func TestWalkChainStopsOnEmptyFrontier(t *testing.T) {
	root := receipt.Receipt{ReceiptID: "root"}
	store := &fakeChainStore{childrenByParent: map[string][]receipt.Receipt{}}

	chain, err := walkChain(root, store.fetchChildren)
	if err != nil {
		t.Fatalf("walkChain: %v", err)
	}
	if len(chain) != 1 || chain[0].ReceiptID != "root" {
		t.Fatalf("walkChain on a leaf = %v, want just the root", chain)
	}
}
