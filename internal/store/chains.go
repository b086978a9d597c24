package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"valuechain/api/internal/valuechain"
)

// SQLStore persists chains, segments, assignments, and layouts. It implements
// valuechain.Store.
type SQLStore struct {
	db *DB
}

var _ valuechain.Store = (*SQLStore)(nil)

func NewSQLStore(db *DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) DB() *DB {
	return s.db
}

func (s *SQLStore) conn() conn {
	return conn{q: s.db.DB, driver: s.db.driver}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// WithTx runs fn in a transaction, rolling back when fn or the commit fails.
func (s *SQLStore) WithTx(ctx context.Context, fn func(valuechain.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&txStore{conn: conn{q: tx, driver: s.db.driver}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) GetChain(ctx context.Context, tenantID, chainID string) (valuechain.Chain, error) {
	return s.conn().getChain(ctx, tenantID, chainID, false)
}

func (s *SQLStore) ListChains(ctx context.Context, tenantID string, statuses []valuechain.ApprovalStatus) ([]valuechain.Chain, error) {
	filter, args := statusFilter(tenantID, statuses)
	return s.conn().loadChains(ctx, filter, args, "c.updated_at DESC, c.id", 0)
}

// ListAllChains reads every chain of every tenant. Used to rebuild the search index.
func (s *SQLStore) ListAllChains(ctx context.Context) ([]valuechain.Chain, error) {
	return s.conn().loadChains(ctx, `1 = 1`, nil, "c.tenant_id, c.id", 0)
}

// SearchChains matches query against titles, descriptions, and segment function names.
func (s *SQLStore) SearchChains(ctx context.Context, tenantID, query string, statuses []valuechain.ApprovalStatus, limit int) ([]valuechain.Chain, error) {
	filter, args := statusFilter(tenantID, statuses)
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
	filter += ` AND (LOWER(c.title) LIKE ? ESCAPE '\' OR LOWER(c.description) LIKE ? ESCAPE '\'
		OR EXISTS (SELECT 1 FROM segments m WHERE m.chain_id = c.id AND LOWER(m.function_name) LIKE ? ESCAPE '\'))`
	args = append(args, pattern, pattern, pattern)
	return s.conn().loadChains(ctx, filter, args, "c.updated_at DESC, c.id", limit)
}

func (s *SQLStore) GetLayout(ctx context.Context, tenantID, chainID string) (valuechain.Layout, error) {
	c := s.conn()
	var count int
	if err := c.queryRow(ctx, `SELECT COUNT(*) FROM chains WHERE id = ? AND tenant_id = ?`, chainID, tenantID).Scan(&count); err != nil {
		return valuechain.Layout{}, fmt.Errorf("lookup chain: %w", err)
	}
	if count == 0 {
		return valuechain.Layout{}, valuechain.ErrNotFound
	}

	layout := valuechain.Layout{ChainID: chainID, Nodes: []valuechain.NodePosition{}}
	rows, err := c.query(ctx, `
		SELECT id, pos_x, pos_y FROM segments
		WHERE chain_id = ? AND pos_x IS NOT NULL AND pos_y IS NOT NULL
		ORDER BY sort_order, id
	`, chainID)
	if err != nil {
		return valuechain.Layout{}, fmt.Errorf("list node positions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var node valuechain.NodePosition
		if err := rows.Scan(&node.SegmentID, &node.X, &node.Y); err != nil {
			return valuechain.Layout{}, fmt.Errorf("scan node position: %w", err)
		}
		layout.Nodes = append(layout.Nodes, node)
	}
	if err := rows.Err(); err != nil {
		return valuechain.Layout{}, fmt.Errorf("iterate node positions: %w", err)
	}

	viewport := valuechain.DefaultViewport()
	err = c.queryRow(ctx, `SELECT zoom, pan_x, pan_y FROM chain_viewports WHERE chain_id = ?`, chainID).
		Scan(&viewport.Zoom, &viewport.PanX, &viewport.PanY)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return valuechain.Layout{}, fmt.Errorf("read viewport: %w", err)
	}
	layout.Viewport = &viewport
	return layout, nil
}

type txStore struct {
	conn
}

var _ valuechain.Tx = (*txStore)(nil)

func (t *txStore) GetChain(ctx context.Context, tenantID, chainID string, lock bool) (valuechain.Chain, error) {
	return t.getChain(ctx, tenantID, chainID, lock)
}

func (t *txStore) InsertChain(ctx context.Context, chain valuechain.Chain) error {
	_, err := t.exec(ctx, `
		INSERT INTO chains (id, tenant_id, title, description, approval_status, created_by, approved_by, approved_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, chain.ID, chain.TenantID, chain.Title, chain.Description, string(chain.ApprovalStatus), chain.CreatedBy,
		nullString(chain.ApprovedBy), nullMillis(chain.ApprovedAt), toMillis(chain.CreatedAt), toMillis(chain.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert chain: %w", err)
	}
	return nil
}

func (t *txStore) UpdateChain(ctx context.Context, chain valuechain.Chain) error {
	result, err := t.exec(ctx, `
		UPDATE chains
		SET title = ?, description = ?, approval_status = ?, approved_by = ?, approved_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?
	`, chain.Title, chain.Description, string(chain.ApprovalStatus), nullString(chain.ApprovedBy),
		nullMillis(chain.ApprovedAt), toMillis(chain.UpdatedAt), chain.ID, chain.TenantID)
	if err != nil {
		return fmt.Errorf("update chain: %w", err)
	}
	return expectRow(result, "update chain")
}

func (t *txStore) DeleteChain(ctx context.Context, tenantID, chainID string) (bool, error) {
	result, err := t.exec(ctx, `DELETE FROM chains WHERE id = ? AND tenant_id = ?`, chainID, tenantID)
	if err != nil {
		return false, fmt.Errorf("delete chain: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete chain rows affected: %w", err)
	}
	return affected > 0, nil
}

func (t *txStore) InsertSegment(ctx context.Context, segment valuechain.Segment) error {
	now := toMillis(time.Now())
	var x, y any
	if segment.Position != nil {
		x, y = segment.Position.X, segment.Position.Y
	}
	_, err := t.exec(ctx, `
		INSERT INTO segments (id, chain_id, function_name, sort_order, pos_x, pos_y, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, segment.ID, segment.ChainID, segment.FunctionName, segment.Order, x, y, now, now)
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

func (t *txStore) UpdateSegment(ctx context.Context, segment valuechain.Segment) error {
	result, err := t.exec(ctx, `
		UPDATE segments SET function_name = ?, sort_order = ?, updated_at = ?
		WHERE id = ? AND chain_id = ?
	`, segment.FunctionName, segment.Order, toMillis(time.Now()), segment.ID, segment.ChainID)
	if err != nil {
		return fmt.Errorf("update segment: %w", err)
	}
	return expectRow(result, "update segment")
}

func (t *txStore) MoveSegment(ctx context.Context, segmentID, chainID string, order int) error {
	result, err := t.exec(ctx, `
		UPDATE segments SET chain_id = ?, sort_order = ?, updated_at = ? WHERE id = ?
	`, chainID, order, toMillis(time.Now()), segmentID)
	if err != nil {
		return fmt.Errorf("move segment: %w", err)
	}
	return expectRow(result, "move segment")
}

func (t *txStore) DeleteSegment(ctx context.Context, segmentID string) error {
	if _, err := t.exec(ctx, `DELETE FROM segments WHERE id = ?`, segmentID); err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}
	return nil
}

func (t *txStore) ReplaceAssignments(ctx context.Context, segmentID string, actorIDs, unitIDs []string) error {
	if _, err := t.exec(ctx, `DELETE FROM segment_actors WHERE segment_id = ?`, segmentID); err != nil {
		return fmt.Errorf("clear segment actors: %w", err)
	}
	if _, err := t.exec(ctx, `DELETE FROM segment_units WHERE segment_id = ?`, segmentID); err != nil {
		return fmt.Errorf("clear segment units: %w", err)
	}
	for _, personID := range actorIDs {
		if _, err := t.exec(ctx, `INSERT INTO segment_actors (segment_id, person_id) VALUES (?, ?)`, segmentID, personID); err != nil {
			return fmt.Errorf("insert segment actor: %w", err)
		}
	}
	for _, unitID := range unitIDs {
		if _, err := t.exec(ctx, `INSERT INTO segment_units (segment_id, unit_id) VALUES (?, ?)`, segmentID, unitID); err != nil {
			return fmt.Errorf("insert segment unit: %w", err)
		}
	}
	return nil
}

func (t *txStore) SaveLayout(ctx context.Context, layout valuechain.Layout) error {
	now := toMillis(time.Now())
	for _, node := range layout.Nodes {
		_, err := t.exec(ctx, `
			UPDATE segments SET pos_x = ?, pos_y = ?, updated_at = ? WHERE id = ? AND chain_id = ?
		`, node.X, node.Y, now, node.SegmentID, layout.ChainID)
		if err != nil {
			return fmt.Errorf("save node position: %w", err)
		}
	}
	if layout.Viewport == nil {
		return nil
	}
	_, err := t.exec(ctx, `
		INSERT INTO chain_viewports (chain_id, zoom, pan_x, pan_y, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chain_id) DO UPDATE SET zoom = excluded.zoom, pan_x = excluded.pan_x, pan_y = excluded.pan_y, updated_at = excluded.updated_at
	`, layout.ChainID, layout.Viewport.Zoom, layout.Viewport.PanX, layout.Viewport.PanY, now)
	if err != nil {
		return fmt.Errorf("upsert viewport: %w", err)
	}
	return nil
}

const chainColumns = `c.id, c.tenant_id, c.title, c.description, c.approval_status, c.created_by, c.approved_by, c.approved_at, c.created_at, c.updated_at`

func (c conn) getChain(ctx context.Context, tenantID, chainID string, lock bool) (valuechain.Chain, error) {
	query := `SELECT ` + chainColumns + ` FROM chains c WHERE c.tenant_id = ? AND c.id = ?`
	if lock && c.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	chain, err := scanChain(c.queryRow(ctx, query, tenantID, chainID))
	if errors.Is(err, sql.ErrNoRows) {
		return valuechain.Chain{}, valuechain.ErrNotFound
	}
	if err != nil {
		return valuechain.Chain{}, fmt.Errorf("get chain: %w", err)
	}
	segments, err := c.loadSegments(ctx, `c.tenant_id = ? AND c.id = ?`, []any{tenantID, chainID})
	if err != nil {
		return valuechain.Chain{}, err
	}
	chain.Segments = segments[chain.ID]
	if chain.Segments == nil {
		chain.Segments = []valuechain.Segment{}
	}
	return chain, nil
}

// loadChains reads the chains matching filter (an expression over alias c) with
// their segments and assignments in three further queries.
func (c conn) loadChains(ctx context.Context, filter string, args []any, orderBy string, limit int) ([]valuechain.Chain, error) {
	query := `SELECT ` + chainColumns + ` FROM chains c WHERE ` + filter + ` ORDER BY ` + orderBy
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	defer rows.Close()

	chains := make([]valuechain.Chain, 0)
	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		chains = append(chains, chain)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chains: %w", err)
	}
	if len(chains) == 0 {
		return chains, nil
	}

	segments, err := c.loadSegments(ctx, filter, args)
	if err != nil {
		return nil, err
	}
	for i := range chains {
		chains[i].Segments = segments[chains[i].ID]
		if chains[i].Segments == nil {
			chains[i].Segments = []valuechain.Segment{}
		}
	}
	return chains, nil
}

func (c conn) loadSegments(ctx context.Context, filter string, args []any) (map[string][]valuechain.Segment, error) {
	rows, err := c.query(ctx, `
		SELECT s.id, s.chain_id, s.function_name, s.sort_order, s.pos_x, s.pos_y
		FROM segments s
		JOIN chains c ON c.id = s.chain_id
		WHERE `+filter+`
		ORDER BY s.chain_id, s.sort_order, s.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	byChain := make(map[string][]valuechain.Segment)
	type slot struct {
		chainID string
		index   int
	}
	slots := make(map[string]slot)
	for rows.Next() {
		var (
			segment valuechain.Segment
			x, y    sql.NullFloat64
		)
		if err := rows.Scan(&segment.ID, &segment.ChainID, &segment.FunctionName, &segment.Order, &x, &y); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if x.Valid && y.Valid {
			segment.Position = &valuechain.Position{X: x.Float64, Y: y.Float64}
		}
		segment.ActorIDs = []string{}
		segment.UnitIDs = []string{}
		slots[segment.ID] = slot{chainID: segment.ChainID, index: len(byChain[segment.ChainID])}
		byChain[segment.ChainID] = append(byChain[segment.ChainID], segment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	if len(slots) == 0 {
		return byChain, nil
	}

	assign := func(table, column string, apply func(*valuechain.Segment, string)) error {
		rows, err := c.query(ctx, `
			SELECT a.segment_id, a.`+column+`
			FROM `+table+` a
			JOIN segments s ON s.id = a.segment_id
			JOIN chains c ON c.id = s.chain_id
			WHERE `+filter+`
			ORDER BY a.segment_id, a.`+column, args...)
		if err != nil {
			return fmt.Errorf("list %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var segmentID, ref string
			if err := rows.Scan(&segmentID, &ref); err != nil {
				return fmt.Errorf("scan %s: %w", table, err)
			}
			at, ok := slots[segmentID]
			if !ok {
				continue
			}
			apply(&byChain[at.chainID][at.index], ref)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate %s: %w", table, err)
		}
		return nil
	}
	if err := assign("segment_actors", "person_id", func(s *valuechain.Segment, id string) {
		s.ActorIDs = append(s.ActorIDs, id)
	}); err != nil {
		return nil, err
	}
	if err := assign("segment_units", "unit_id", func(s *valuechain.Segment, id string) {
		s.UnitIDs = append(s.UnitIDs, id)
	}); err != nil {
		return nil, err
	}
	return byChain, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChain(row rowScanner) (valuechain.Chain, error) {
	var (
		chain      valuechain.Chain
		status     string
		approvedBy sql.NullString
		approvedAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(&chain.ID, &chain.TenantID, &chain.Title, &chain.Description, &status, &chain.CreatedBy,
		&approvedBy, &approvedAt, &createdAt, &updatedAt); err != nil {
		return valuechain.Chain{}, err
	}
	chain.ApprovalStatus = valuechain.ApprovalStatus(status)
	chain.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		at := fromMillis(approvedAt.Int64)
		chain.ApprovedAt = &at
	}
	chain.CreatedAt = fromMillis(createdAt)
	chain.UpdatedAt = fromMillis(updatedAt)
	return chain, nil
}

func statusFilter(tenantID string, statuses []valuechain.ApprovalStatus) (string, []any) {
	args := []any{tenantID}
	if len(statuses) == 0 {
		return `c.tenant_id = ?`, args
	}
	for _, status := range statuses {
		args = append(args, string(status))
	}
	return `c.tenant_id = ? AND c.approval_status IN (` + placeholders(len(statuses)) + `)`, args
}

func expectRow(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, valuechain.ErrNotFound)
	}
	return nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
