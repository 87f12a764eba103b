package catlock

import (
	"fmt"
	"sort"
	"time"
)

// TargetType identifies the kind of catalog record a lock entry protects
type TargetType string

const (
	// TargetCulturalObject is a cultural object record
	TargetCulturalObject TargetType = "CULTURAL_OBJECT"
	// TargetDescription is a description attached to a cultural object
	TargetDescription TargetType = "DESCRIPTION"
	// TargetCatalog is a catalog record
	TargetCatalog TargetType = "CATALOG"
	// TargetDigitalization is a digitalization record
	TargetDigitalization TargetType = "DIGITALIZATION"
	// TargetImportJob is a bulk import job
	TargetImportJob TargetType = "IMPORT_JOB"
)

// TargetTypes returns every known target type in declaration order.
func TargetTypes() []TargetType {
	return []TargetType{
		TargetCulturalObject,
		TargetDescription,
		TargetCatalog,
		TargetDigitalization,
		TargetImportJob,
	}
}

// ParseTargetType converts a stored or transmitted value into a TargetType.
func ParseTargetType(s string) (TargetType, error) {
	t := TargetType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTargetType, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known target types.
func (t TargetType) Valid() bool {
	switch t {
	case TargetCulturalObject, TargetDescription, TargetCatalog, TargetDigitalization, TargetImportJob:
		return true
	default:
		return false
	}
}

// String returns the stored representation of the target type.
func (t TargetType) String() string {
	return string(t)
}

// Kind distinguishes locks taken by a person from locks owned by a transaction
type Kind string

const (
	// KindManual is a lock held by an editor until explicitly released
	KindManual Kind = "MANUAL"
	// KindTransactional is a lock released when its ambient transaction completes
	KindTransactional Kind = "TRANSACTIONAL"
)

// ParseKind converts a stored value into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindManual, KindTransactional:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown lock kind %q", s)
	}
}

// Entry identifies one protected record.
type Entry struct {
	TargetID   string
	TargetType TargetType
}

// NewEntry creates an entry for the given record.
func NewEntry(targetType TargetType, targetID string) Entry {
	return Entry{TargetID: targetID, TargetType: targetType}
}

// Key returns a stable string form "TYPE:id", used as a map and storage key.
func (e Entry) Key() string {
	return string(e.TargetType) + ":" + e.TargetID
}

func (e Entry) String() string {
	return e.Key()
}

// Validate checks the entry has an id and a known type.
func (e Entry) Validate() error {
	if !e.TargetType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTargetType, e.TargetType)
	}
	if e.TargetID == "" {
		return fmt.Errorf("%w: empty target id for %s", ErrNoTargets, e.TargetType)
	}
	return nil
}

func entryLess(a, b Entry) bool {
	if a.TargetType != b.TargetType {
		return a.TargetType < b.TargetType
	}
	return a.TargetID < b.TargetID
}

// NormalizeEntries validates, deduplicates and sorts targets.
func NormalizeEntries(targets []Entry) ([]Entry, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	seen := make(map[Entry]struct{}, len(targets))
	out := make([]Entry, 0, len(targets))
	for _, e := range targets {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return entryLess(out[i], out[j]) })
	return out, nil
}

// Editor is the human actor requesting a lock.
type Editor struct {
	ID   string
	Name string
}

// Lock is an exclusive claim over one or more catalog records.
type Lock struct {
	ID          string
	StartedAt   time.Time
	Editor      *Editor
	AmbientTxID string
	Reason      string
	Kind        Kind
	Entries     []Entry
}

// Owner returns the owner the lock was acquired for.
func (l *Lock) Owner() Owner {
	if l.AmbientTxID != "" {
		return TxOwner(l.AmbientTxID)
	}
	if l.Editor == nil {
		return Owner{}
	}
	return EditorOwner(l.Editor.ID, l.Editor.Name)
}

// Covers reports whether the lock protects the given entry.
func (l *Lock) Covers(e Entry) bool {
	for _, own := range l.Entries {
		if own == e {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores never hand out shared state.
func (l *Lock) Clone() *Lock {
	if l == nil {
		return nil
	}
	c := *l
	if l.Editor != nil {
		ed := *l.Editor
		c.Editor = &ed
	}
	c.Entries = append([]Entry(nil), l.Entries...)
	return &c
}

// Owner is either an editor or an ambient transaction, never both.
type Owner struct {
	Editor *Editor
	TxID   string
}

// EditorOwner creates an owner for a human editor.
func EditorOwner(id, name string) Owner {
	return Owner{Editor: &Editor{ID: id, Name: name}}
}

// TxOwner creates an owner for an ambient transaction.
func TxOwner(txID string) Owner {
	return Owner{TxID: txID}
}

// Validate ensures exactly one of editor and transaction is set.
func (o Owner) Validate() error {
	hasEditor := o.Editor != nil && o.Editor.ID != ""
	hasTx := o.TxID != ""
	if hasEditor == hasTx {
		return ErrInvalidOwner
	}
	return nil
}

// Kind returns the lock kind an acquisition by this owner produces.
func (o Owner) Kind() Kind {
	if o.TxID != "" {
		return KindTransactional
	}
	return KindManual
}

func (o Owner) String() string {
	if o.TxID != "" {
		return "tx:" + o.TxID
	}
	if o.Editor != nil {
		return "editor:" + o.Editor.ID
	}
	return "<none>"
}

// Exclusion builds the exclusion for the given policy from this owner.
// ExcludeSameTx needs a transaction owner, ExcludeSameEditor an editor owner.
func (o Owner) Exclusion(p Policy) (Exclusion, error) {
	switch p {
	case ExcludeSameTx:
		if o.TxID == "" {
			return Exclusion{}, fmt.Errorf("%w: %s requires a transaction owner", ErrInvalidPolicy, p)
		}
		return Exclusion{Policy: p, Key: o.TxID}, nil
	case ExcludeSameEditor:
		if o.Editor == nil || o.Editor.ID == "" {
			return Exclusion{}, fmt.Errorf("%w: %s requires an editor owner", ErrInvalidPolicy, p)
		}
		return Exclusion{Policy: p, Key: o.Editor.ID}, nil
	default:
		return Exclusion{}, fmt.Errorf("%w: %q", ErrInvalidPolicy, p)
	}
}

// Policy selects which existing locks count as the caller's own
type Policy string

const (
	// ExcludeSameTx ignores locks owned by the same ambient transaction
	ExcludeSameTx Policy = "SAME_TX"
	// ExcludeSameEditor ignores manual locks held by the same editor
	ExcludeSameEditor Policy = "SAME_EDITOR"
)

// Exclusion is a policy bound to the owner key it compares against.
// The zero value excludes nothing.
type Exclusion struct {
	Policy Policy
	Key    string
}

// NoExclusion treats every active lock as foreign.
var NoExclusion = Exclusion{}

// Excludes reports whether l is considered owned by the caller.
// Transactional locks never carry an editor, so ExcludeSameEditor only
// ever skips manual locks.
func (x Exclusion) Excludes(l *Lock) bool {
	if x.Key == "" {
		return false
	}
	switch x.Policy {
	case ExcludeSameTx:
		return l.AmbientTxID == x.Key
	case ExcludeSameEditor:
		return l.AmbientTxID == "" && l.Editor != nil && l.Editor.ID == x.Key
	default:
		return false
	}
}
