package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig mirrors the connection-pool settings the collaboration
// server applies to its dedicated pool (section 5: "a dedicated pool
// of <=25 for the collaboration server").
type PoolConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// Connect opens a pgxpool-backed connection pool and verifies
// connectivity with a ping, mirroring the teacher pack's
// db.Connect(ctx, cfg) helper.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse connection url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return pool, nil
}

// PostgresStorage implements Storage over a *pgxpool.Pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage wraps an already-connected pool.
func NewPostgresStorage(pool *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{pool: pool}
}

func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func fromJSONMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromJSONSubBlocks(data []byte) (map[string]SubBlockValue, error) {
	if len(data) == 0 {
		return map[string]SubBlockValue{}, nil
	}
	out := map[string]SubBlockValue{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func scanBlock(row pgx.Row) (Block, error) {
	var b Block
	var subBlocks, outputs, data []byte
	var parentID, extent *string
	err := row.Scan(
		&b.ID, &b.WorkflowID, &b.Type, &b.Name,
		&b.Position.X, &b.Position.Y,
		&b.Enabled, &b.HorizontalHandles, &b.IsWide, &b.AdvancedMode, &b.Height,
		&subBlocks, &outputs, &data, &parentID, &extent,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Block{}, ErrNotFound
		}
		return Block{}, err
	}
	b.ParentID = parentID
	b.Extent = extent
	if b.SubBlocks, err = fromJSONSubBlocks(subBlocks); err != nil {
		return Block{}, err
	}
	if b.Outputs, err = fromJSONMap(outputs); err != nil {
		return Block{}, err
	}
	if b.Data, err = fromJSONMap(data); err != nil {
		return Block{}, err
	}
	return b, nil
}

const blockColumns = `id, workflow_id, type, name, position_x, position_y,
	enabled, horizontal_handles, is_wide, advanced_mode, height,
	sub_blocks, outputs, data, parent_id, extent`

func (s *PostgresStorage) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, owner_user_id, updated_at, last_saved,
			is_deployed, deployed_at, deployment_statuses,
			has_active_schedule, has_active_webhook
		FROM workflow WHERE id = $1`, id)

	var w Workflow
	var statuses []byte
	err := row.Scan(&w.ID, &w.WorkspaceID, &w.OwnerUserID, &w.UpdatedAt, &w.LastSaved,
		&w.IsDeployed, &w.DeployedAt, &statuses,
		&w.HasActiveSchedule, &w.HasActiveWebhook)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Workflow{}, ErrNotFound
		}
		return Workflow{}, err
	}
	if w.DeploymentStatuses, err = fromJSONMap(statuses); err != nil {
		return Workflow{}, err
	}
	return w, nil
}

func (s *PostgresStorage) GetBlock(ctx context.Context, workflowID, blockID string) (Block, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+blockColumns+` FROM workflow_blocks WHERE workflow_id = $1 AND id = $2`, workflowID, blockID)
	return scanBlock(row)
}

func (s *PostgresStorage) ListBlocks(ctx context.Context, workflowID string) ([]Block, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+blockColumns+` FROM workflow_blocks WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) ListEdges(ctx context.Context, workflowID string) ([]Edge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, source_block_id, target_block_id, source_handle, target_handle
		FROM workflow_edges WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.SourceBlockID, &e.TargetBlockID, &e.SourceHandle, &e.TargetHandle); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) ListSubflows(ctx context.Context, workflowID string) ([]Subflow, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, workflow_id, type, config FROM workflow_subflows WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subflow
	for rows.Next() {
		var sf Subflow
		var cfg []byte
		if err := rows.Scan(&sf.ID, &sf.WorkflowID, &sf.Type, &cfg); err != nil {
			return nil, err
		}
		if sf.Config, err = fromJSONMap(cfg); err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	return out, rows.Err()
}

// ResolveAccess implements the Authorization Service's resolveAccess
// rules in order (4.2): workflow existence, then ownership (-> admin),
// then the access-grant table, then no access.
func (s *PostgresStorage) ResolveAccess(ctx context.Context, userID, workflowID string) (Access, error) {
	wf, err := s.GetWorkflow(ctx, workflowID)
	if errors.Is(err, ErrNotFound) {
		return Access{HasAccess: false}, nil
	}
	if err != nil {
		return Access{}, err
	}
	if wf.OwnerUserID == userID {
		return Access{HasAccess: true, Role: RoleAdmin, WorkspaceID: wf.WorkspaceID}, nil
	}

	var role string
	err = s.pool.QueryRow(ctx, `
		SELECT permission_type FROM permissions
		WHERE user_id = $1 AND entity_type = 'workspace' AND entity_id = $2`,
		userID, wf.WorkspaceID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return Access{HasAccess: false}, nil
	}
	if err != nil {
		return Access{}, err
	}
	return Access{HasAccess: true, Role: Role(role), WorkspaceID: wf.WorkspaceID}, nil
}

func (s *PostgresStorage) TouchWorkflow(ctx context.Context, workflowID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workflow SET updated_at = $1 WHERE id = $2`, at, workflowID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBlockPosition is the single-row write used by the position
// fast path (4.7); it never runs inside the structural transaction.
func (s *PostgresStorage) UpdateBlockPosition(ctx context.Context, workflowID, blockID string, pos Position) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_blocks SET position_x = $1, position_y = $2
		WHERE workflow_id = $3 AND id = $4`, pos.X, pos.Y, workflowID, blockID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSubBlockValue implements the sub-block value path (4.8):
// merge-update subBlocks[subBlockID].value, preserving existing id/type
// or creating a minimal {id, type:"unknown", value} record.
func (s *PostgresStorage) UpdateSubBlockValue(ctx context.Context, workflowID, blockID, subBlockID string, value any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT sub_blocks FROM workflow_blocks WHERE workflow_id = $1 AND id = $2 FOR UPDATE`, workflowID, blockID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	subBlocks, err := fromJSONSubBlocks(raw)
	if err != nil {
		return err
	}
	entry, ok := subBlocks[subBlockID]
	if !ok {
		entry = SubBlockValue{ID: subBlockID, Type: "unknown"}
	}
	entry.Value = value
	subBlocks[subBlockID] = entry

	encoded, err := toJSON(subBlocks)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE workflow_blocks SET sub_blocks = $1 WHERE workflow_id = $2 AND id = $3`, encoded, workflowID, blockID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CheckConsistency implements the read-only orphan-edge audit (4.11).
func (s *PostgresStorage) CheckConsistency(ctx context.Context, workflowID string) (ConsistencyReport, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id FROM workflow_edges e
		LEFT JOIN workflow_blocks b ON b.workflow_id = e.workflow_id AND b.id = e.source_block_id
		WHERE e.workflow_id = $1 AND b.id IS NULL`, workflowID)
	if err != nil {
		return ConsistencyReport{}, err
	}
	defer rows.Close()

	var issues []string
	for rows.Next() {
		var edgeID string
		if err := rows.Scan(&edgeID); err != nil {
			return ConsistencyReport{}, err
		}
		issues = append(issues, fmt.Sprintf("orphan edge %s: source block missing", edgeID))
	}
	if err := rows.Err(); err != nil {
		return ConsistencyReport{}, err
	}
	return ConsistencyReport{Valid: len(issues) == 0, Issues: issues}, nil
}

// BeginTx starts the one transaction a structural mutation frame runs
// inside (4.5).
func (s *PostgresStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx}, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *postgresTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *postgresTx) TouchWorkflow(ctx context.Context, workflowID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE workflow SET updated_at = $1 WHERE id = $2`, at, workflowID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) InsertBlock(ctx context.Context, b Block) error {
	subBlocks, err := toJSON(b.SubBlocks)
	if err != nil {
		return err
	}
	outputs, err := toJSON(b.Outputs)
	if err != nil {
		return err
	}
	data, err := toJSON(b.Data)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflow_blocks (id, workflow_id, type, name, position_x, position_y,
			enabled, horizontal_handles, is_wide, advanced_mode, height,
			sub_blocks, outputs, data, parent_id, extent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		b.ID, b.WorkflowID, b.Type, b.Name, b.Position.X, b.Position.Y,
		b.Enabled, b.HorizontalHandles, b.IsWide, b.AdvancedMode, b.Height,
		subBlocks, outputs, data, b.ParentID, b.Extent)
	if err != nil {
		return translateConstraintErr(err)
	}
	return nil
}

func (t *postgresTx) UpdateBlock(ctx context.Context, b Block) error {
	subBlocks, err := toJSON(b.SubBlocks)
	if err != nil {
		return err
	}
	outputs, err := toJSON(b.Outputs)
	if err != nil {
		return err
	}
	data, err := toJSON(b.Data)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_blocks SET type=$1, name=$2, position_x=$3, position_y=$4,
			enabled=$5, horizontal_handles=$6, is_wide=$7, advanced_mode=$8, height=$9,
			sub_blocks=$10, outputs=$11, data=$12, parent_id=$13, extent=$14
		WHERE workflow_id=$15 AND id=$16`,
		b.Type, b.Name, b.Position.X, b.Position.Y,
		b.Enabled, b.HorizontalHandles, b.IsWide, b.AdvancedMode, b.Height,
		subBlocks, outputs, data, b.ParentID, b.Extent,
		b.WorkflowID, b.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) DeleteBlock(ctx context.Context, workflowID, blockID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM workflow_blocks WHERE workflow_id=$1 AND id=$2`, workflowID, blockID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) GetBlock(ctx context.Context, workflowID, blockID string) (Block, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+blockColumns+` FROM workflow_blocks WHERE workflow_id=$1 AND id=$2 FOR UPDATE`, workflowID, blockID)
	return scanBlock(row)
}

func (t *postgresTx) ChildBlockIDs(ctx context.Context, workflowID, parentID string) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM workflow_blocks WHERE workflow_id=$1 AND parent_id=$2 ORDER BY id`, workflowID, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t *postgresTx) InsertEdge(ctx context.Context, e Edge) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO workflow_edges (id, workflow_id, source_block_id, target_block_id, source_handle, target_handle)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.WorkflowID, e.SourceBlockID, e.TargetBlockID, e.SourceHandle, e.TargetHandle)
	if err != nil {
		return translateConstraintErr(err)
	}
	return nil
}

func (t *postgresTx) DeleteEdge(ctx context.Context, workflowID, edgeID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM workflow_edges WHERE workflow_id=$1 AND id=$2`, workflowID, edgeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) DeleteEdgesTouching(ctx context.Context, workflowID, blockID string) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM workflow_edges WHERE workflow_id=$1 AND (source_block_id=$2 OR target_block_id=$2)`,
		workflowID, blockID)
	return err
}

func (t *postgresTx) InsertSubflow(ctx context.Context, sf Subflow) error {
	cfg, err := toJSON(sf.Config)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflow_subflows (id, workflow_id, type, config) VALUES ($1,$2,$3,$4)`,
		sf.ID, sf.WorkflowID, sf.Type, cfg)
	if err != nil {
		return translateConstraintErr(err)
	}
	return nil
}

func (t *postgresTx) UpdateSubflow(ctx context.Context, sf Subflow) error {
	cfg, err := toJSON(sf.Config)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_subflows SET type=$1, config=$2 WHERE workflow_id=$3 AND id=$4`,
		sf.Type, cfg, sf.WorkflowID, sf.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) DeleteSubflow(ctx context.Context, workflowID, subflowID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM workflow_subflows WHERE workflow_id=$1 AND id=$2`, workflowID, subflowID)
	return err
}

func (t *postgresTx) GetSubflow(ctx context.Context, workflowID, subflowID string) (Subflow, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, workflow_id, type, config FROM workflow_subflows WHERE workflow_id=$1 AND id=$2 FOR UPDATE`, workflowID, subflowID)
	var sf Subflow
	var cfg []byte
	if err := row.Scan(&sf.ID, &sf.WorkflowID, &sf.Type, &cfg); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subflow{}, ErrNotFound
		}
		return Subflow{}, err
	}
	var err error
	if sf.Config, err = fromJSONMap(cfg); err != nil {
		return Subflow{}, err
	}
	return sf, nil
}

// SetSubflowNodes implements the Subflow Node-List Rule: atomically
// set config.nodes to the supplied ordered id list, preserving every
// other config key already present on the row.
func (t *postgresTx) SetSubflowNodes(ctx context.Context, workflowID, subflowID string, nodeIDs []string) error {
	sf, err := t.GetSubflow(ctx, workflowID, subflowID)
	if err != nil {
		return err
	}
	if sf.Config == nil {
		sf.Config = map[string]any{}
	}
	sf.Config["nodes"] = nodeIDs
	return t.UpdateSubflow(ctx, sf)
}

func translateConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
