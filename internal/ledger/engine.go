// Package ledger merges batches of normalized executions into a full ledger snapshot.
//
// Merge is a pure function of (snapshot, batch): it never performs I/O, so the worker can
// read the whole table, merge, and replace the whole table as one unit. Every rule that keeps
// the ledger free of duplicate or contradictory rows lives here:
//
//   - one row per (ExecutionID, OrderID, Account);
//   - events are applied in ascending event time, ties broken by ExecutionID, then by
//     lifecycle rank and FilledQty so the most advanced state of a key comes last;
//   - a terminal row (FILLED, CANCELED, REJECTED, EXPIRED) never changes again;
//   - FilledQty never decreases, except that CANCELED freezes it at its last value;
//   - an identical resubmission is a no-op.
package ledger

import (
	"errors"
	"sort"

	"go.uber.org/multierr"

	"tradeledger/internal/model"
	"tradeledger/pkg/logger"
)

// legal lists the accepted transitions out of each non-terminal status.
var legal = map[model.ExecStatus]map[model.ExecStatus]bool{
	model.StatusNew: {
		model.StatusNew:             true,
		model.StatusPartiallyFilled: true,
		model.StatusFilled:          true,
		model.StatusCanceled:        true,
		model.StatusRejected:        true,
		model.StatusExpired:         true,
	},
	model.StatusPartiallyFilled: {
		model.StatusPartiallyFilled: true,
		model.StatusFilled:          true,
		model.StatusCanceled:        true,
		model.StatusExpired:         true,
	},
}

// ChangeKind describes what a merge did to a row.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// Change is the final state of a row touched by a merge.
type Change struct {
	Kind ChangeKind
	Row  model.LedgerRow
}

type Result struct {
	Rows       []model.LedgerRow
	Stats      model.Stats
	Rejections []model.Rejection
	// Changes holds one entry per inserted or updated key, in first-touch order.
	Changes []Change
}

// Err folds all per-record rejections into one error, nil when there are none.
func (r Result) Err() error {
	var err error
	for _, rej := range r.Rejections {
		err = multierr.Append(err, rej)
	}
	return err
}

// SortBatch orders executions by event time, ties broken by ExecutionID, lifecycle rank and
// FilledQty. The sort is stable so exact duplicates keep their arrival order.
func SortBatch(batch []model.Execution) {
	sort.SliceStable(batch, func(i, j int) bool {
		a, b := batch[i], batch[j]
		if !a.EventTimestampUTC.Equal(b.EventTimestampUTC) {
			return a.EventTimestampUTC.Before(b.EventTimestampUTC)
		}
		if a.ExecutionID != b.ExecutionID {
			return a.ExecutionID < b.ExecutionID
		}
		if ra, rb := rank(a.Status), rank(b.Status); ra != rb {
			return ra < rb
		}
		return a.FilledQty < b.FilledQty
	})
}

// rank 生命周期先后：NEW < PARTIALLY_FILLED < 终态
func rank(s model.ExecStatus) int {
	switch {
	case s == model.StatusNew:
		return 0
	case s == model.StatusPartiallyFilled:
		return 1
	default:
		return 2
	}
}

// Merge applies batch on top of snapshot and returns the new full snapshot. Neither input is
// modified.
func Merge(snapshot []model.LedgerRow, batch []model.Execution) Result {
	rows := make([]model.LedgerRow, len(snapshot))
	copy(rows, snapshot)

	index := make(map[model.Key]int, len(rows))
	for i, r := range rows {
		index[r.Key()] = i
	}

	sorted := make([]model.Execution, len(batch))
	copy(sorted, batch)
	SortBatch(sorted)

	m := &merger{rows: rows, index: index, touched: make(map[model.Key]ChangeKind)}
	for _, group := range groupByKey(sorted) {
		m.fold(group)
	}

	res := Result{Rows: m.rows, Stats: m.stats, Rejections: m.rejections}
	for _, k := range m.order {
		res.Changes = append(res.Changes, Change{Kind: m.touched[k], Row: m.rows[m.index[k]]})
	}
	return res
}

type merger struct {
	rows       []model.LedgerRow
	index      map[model.Key]int
	stats      model.Stats
	rejections []model.Rejection
	touched    map[model.Key]ChangeKind
	order      []model.Key
}

// groupByKey splits a sorted batch into per-key groups, keeping event order inside each group
// and ordering groups by their first event.
func groupByKey(sorted []model.Execution) [][]model.Execution {
	pos := make(map[model.Key]int)
	var groups [][]model.Execution
	for _, e := range sorted {
		k := e.Key()
		i, ok := pos[k]
		if !ok {
			i = len(groups)
			pos[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}

// fold replays one key's events in order. When the row already holds the group's final state
// and no event in the group would be accepted, the group is a redelivery: the row is left as
// is and every event counts as unchanged.
func (m *merger) fold(group []model.Execution) {
	k := group[0].Key()
	if i, ok := m.index[k]; ok && m.rows[i].SameState(group[len(group)-1]) && !advances(m.rows[i], group) {
		m.stats.Unchanged += len(group)
		return
	}
	for _, e := range group {
		m.apply(e)
	}
}

// advances reports whether replaying group on row would accept at least one update. Until
// the first accepted event the row does not change, so each event is checked against it as is.
func advances(row model.LedgerRow, group []model.Execution) bool {
	for _, e := range group {
		if row.SameState(e) || checkTransition(row, e) != nil {
			continue
		}
		return true
	}
	return false
}

func (m *merger) apply(e model.Execution) {
	k := e.Key()
	i, ok := m.index[k]
	if !ok {
		if e.Status == model.StatusCanceled {
			m.reject(k, model.ErrNothingToCancel)
			return
		}
		m.index[k] = len(m.rows)
		m.rows = append(m.rows, model.NewLedgerRow(e))
		m.stats.Inserted++
		m.touch(k, ChangeInsert)
		return
	}

	row := &m.rows[i]
	if row.SameState(e) {
		m.stats.Unchanged++
		return
	}
	if err := checkTransition(*row, e); err != nil {
		m.reject(k, err)
		return
	}
	row.Supersede(e)
	m.stats.Updated++
	m.touch(k, ChangeUpdate)
}

func checkTransition(row model.LedgerRow, e model.Execution) error {
	k := row.Key()
	if row.Status.Terminal() || !legal[row.Status][e.Status] {
		return &model.TransitionError{Key: k, From: row.Status, To: e.Status}
	}
	if e.Status != model.StatusCanceled && e.FilledQty < row.FilledQty {
		return &model.IntegrityAnomaly{Key: k, PreviousFilledQty: row.FilledQty, FilledQty: e.FilledQty}
	}
	return nil
}

func (m *merger) reject(k model.Key, err error) {
	m.stats.Rejected++
	m.rejections = append(m.rejections, model.Rejection{Key: k, Reason: err.Error(), Err: err})

	var anomaly *model.IntegrityAnomaly
	var transition *model.TransitionError
	switch {
	case errors.As(err, &anomaly):
		logger.Warn("integrity anomaly, event rejected for operator review",
			logger.Pair("key", k.String()),
			logger.Pair("previous_filled_qty", anomaly.PreviousFilledQty),
			logger.Pair("filled_qty", anomaly.FilledQty))
	case errors.As(err, &transition):
		logger.Info("illegal transition, event rejected",
			logger.Pair("key", k.String()),
			logger.Pair("from", string(transition.From)),
			logger.Pair("to", string(transition.To)))
	default:
		logger.Info("event rejected",
			logger.Pair("key", k.String()),
			logger.Pair("reason", err.Error()))
	}
}

func (m *merger) touch(k model.Key, kind ChangeKind) {
	if _, seen := m.touched[k]; seen {
		// an insert followed by updates in the same batch is still an insert downstream
		return
	}
	m.touched[k] = kind
	m.order = append(m.order, k)
}
