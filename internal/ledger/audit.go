package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// auditNode is one node in the settlement audit tree.
type auditNode struct {
	left  *auditNode
	right *auditNode
	hash  string
	data  string // leaves only
}

// AuditLog is a tamper-evident log of settlement activity. Every settle,
// release and expiry appends a leaf; the Merkle root commits to the whole
// history, so an operator can compare roots across replicas or snapshots.
type AuditLog struct {
	mu     sync.Mutex
	leaves []*auditNode
	root   *auditNode
}

// NewAuditLog creates an empty log.
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func hashData(data string) string {
	h := sha256.New()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// Append records one ledger action and returns the rendered entry.
func (l *AuditLog) Append(key, action string, amount float64, at time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := fmt.Sprintf("[%s] %s: %s %.4f", at.Format(time.RFC3339), key, action, amount)
	node := &auditNode{hash: hashData(entry), data: entry}

	l.leaves = append(l.leaves, node)
	l.recalculateRoot()
	return entry
}

// Root returns the current Merkle root, empty for an empty log.
func (l *AuditLog) Root() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.root == nil {
		return ""
	}
	return l.root.hash
}

// Size reports the number of entries.
func (l *AuditLog) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.leaves)
}

// recalculateRoot rebuilds the tree. O(N) per append is fine at gateway
// settlement rates; an incremental tree can replace this if it ever shows up
// in profiles. Caller holds l.mu.
func (l *AuditLog) recalculateRoot() {
	if len(l.leaves) == 0 {
		return
	}

	nodes := l.leaves
	for len(nodes) > 1 {
		var nextLevel []*auditNode
		for i := 0; i < len(nodes); i += 2 {
			left := nodes[i]
			right := left // odd count duplicates the last node
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			nextLevel = append(nextLevel, &auditNode{
				left:  left,
				right: right,
				hash:  hashData(left.hash + right.hash),
			})
		}
		nodes = nextLevel
	}
	l.root = nodes[0]
}

// VerifyInclusion checks whether an entry with the given hash is a leaf.
func (l *AuditLog) VerifyInclusion(hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, leaf := range l.leaves {
		if leaf.hash == hash {
			return true
		}
	}
	return false
}
