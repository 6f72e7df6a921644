// Package store provides SQLite-backed persistent storage for EPUM
// domains and instances. Uses WAL mode for concurrent reads and
// crash-safe writes. Grounded on the teacher's internal/infra/sqlite
// package (Open/migrate idiom), retargeted from model/credit records to
// domain/instance records.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/oldpatricka/epu/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/epu.db. Enables WAL
// mode, foreign keys, and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "epu.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	sqlDB.SetMaxOpenConns(1) // SQLite is single-writer
	sqlDB.SetMaxIdleConns(1)

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks database connectivity; used by the health checker.
func (d *DB) Ping() error { return d.db.Ping() }

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS domains (
			owner        TEXT NOT NULL,
			domain_id    TEXT NOT NULL,
			general_json TEXT NOT NULL DEFAULT '{}',
			engine_json  TEXT NOT NULL DEFAULT '{}',
			health_json  TEXT NOT NULL DEFAULT '{}',
			subs_json    TEXT NOT NULL DEFAULT '[]',
			version      INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			PRIMARY KEY (owner, domain_id)
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id        TEXT PRIMARY KEY,
			owner              TEXT NOT NULL,
			domain_id          TEXT NOT NULL,
			site               TEXT NOT NULL DEFAULT '',
			allocation         TEXT NOT NULL DEFAULT '',
			deployable_type    TEXT NOT NULL DEFAULT '',
			state              INTEGER NOT NULL,
			health             INTEGER NOT NULL,
			extravars_json     TEXT NOT NULL DEFAULT '{}',
			launch_id          TEXT NOT NULL DEFAULT '',
			last_heartbeat_ts  INTEGER,
			error_ts           INTEGER,
			errors_json        TEXT NOT NULL DEFAULT '[]',
			created_at         INTEGER NOT NULL,
			updated_at         INTEGER NOT NULL,
			FOREIGN KEY (owner, domain_id) REFERENCES domains(owner, domain_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_domain ON instances(owner, domain_id)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Domain operations (spec.md §4.1) ──────────────────────────────────────

// AddDomain persists a new domain. Returns ErrDomainExists if (owner,
// domain_id) is already present.
func (d *DB) AddDomain(dom *domain.Domain) error {
	general, err := marshalConfig(dom.General)
	if err != nil {
		return err
	}
	engine, err := marshalConfig(dom.Engine)
	if err != nil {
		return err
	}
	health, err := marshalConfig(dom.Health)
	if err != nil {
		return err
	}
	subs, err := json.Marshal(dom.Subscribers)
	if err != nil {
		return err
	}

	now := nowUnix()
	_, err = d.db.Exec(
		`INSERT INTO domains (owner, domain_id, general_json, engine_json, health_json, subs_json, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		dom.Owner, dom.DomainID, general, engine, health, subs, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDomainExists
		}
		return domain.NewTransportError("store.AddDomain", err)
	}
	return nil
}

// GetDomain returns the domain for (owner, domainID), or
// ErrDomainNotFound.
func (d *DB) GetDomain(owner, domainID string) (*domain.Domain, error) {
	row := d.db.QueryRow(
		`SELECT owner, domain_id, general_json, engine_json, health_json, subs_json, version, created_at, updated_at
		 FROM domains WHERE owner = ? AND domain_id = ?`, owner, domainID,
	)
	return scanDomain(row)
}

// RemoveDomain deletes a domain and its instances. Returns
// ErrDomainNotFound if absent.
func (d *DB) RemoveDomain(owner, domainID string) error {
	if _, err := d.GetDomain(owner, domainID); err != nil {
		return err
	}
	tx, err := d.db.Begin()
	if err != nil {
		return domain.NewTransportError("store.RemoveDomain", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM instances WHERE owner = ? AND domain_id = ?`, owner, domainID); err != nil {
		return domain.NewTransportError("store.RemoveDomain", err)
	}
	if _, err := tx.Exec(`DELETE FROM domains WHERE owner = ? AND domain_id = ?`, owner, domainID); err != nil {
		return domain.NewTransportError("store.RemoveDomain", err)
	}
	return tx.Commit()
}

// ListDomainsByOwner returns every domain owned by owner.
func (d *DB) ListDomainsByOwner(owner string) ([]*domain.Domain, error) {
	rows, err := d.db.Query(
		`SELECT owner, domain_id, general_json, engine_json, health_json, subs_json, version, created_at, updated_at
		 FROM domains WHERE owner = ? ORDER BY domain_id`, owner,
	)
	if err != nil {
		return nil, domain.NewTransportError("store.ListDomainsByOwner", err)
	}
	defer rows.Close()

	var out []*domain.Domain
	for rows.Next() {
		dom, err := scanDomainRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dom)
	}
	return out, rows.Err()
}

// GetDomainForInstanceID is the reverse index: which domain owns
// instanceID.
func (d *DB) GetDomainForInstanceID(instanceID string) (*domain.Domain, error) {
	row := d.db.QueryRow(`SELECT owner, domain_id FROM instances WHERE instance_id = ?`, instanceID)
	var owner, domainID string
	if err := row.Scan(&owner, &domainID); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, domain.NewTransportError("store.GetDomainForInstanceID", err)
	}
	return d.GetDomain(owner, domainID)
}

// addConfig is shared by AddGeneralConfig/AddEngineConfig/AddHealthConfig:
// it loads the current domain, additively merges delta into the named
// section, and writes back under a CAS loop against Version.
func (d *DB) addConfig(owner, domainID, column string, delta domain.Config) error {
	for {
		dom, err := d.GetDomain(owner, domainID)
		if err != nil {
			return err
		}
		var merged domain.Config
		switch column {
		case "general_json":
			merged = dom.General.Merge(delta)
		case "engine_json":
			merged = dom.Engine.Merge(delta)
		case "health_json":
			merged = dom.Health.Merge(delta)
		}
		encoded, err := marshalConfig(merged)
		if err != nil {
			return err
		}
		res, err := d.db.Exec(
			fmt.Sprintf(`UPDATE domains SET %s = ?, version = version + 1, updated_at = ? WHERE owner = ? AND domain_id = ? AND version = ?`, column),
			encoded, nowUnix(), owner, domainID, dom.Version,
		)
		if err != nil {
			return domain.NewTransportError("store.addConfig", err)
		}
		n, _ := res.RowsAffected()
		if n == 1 {
			return nil
		}
		// Lost the CAS race against a concurrent writer; retry.
	}
}

func (d *DB) AddGeneralConfig(owner, domainID string, delta domain.Config) error {
	return d.addConfig(owner, domainID, "general_json", delta)
}

func (d *DB) AddEngineConfig(owner, domainID string, delta domain.Config) error {
	return d.addConfig(owner, domainID, "engine_json", delta)
}

func (d *DB) AddHealthConfig(owner, domainID string, delta domain.Config) error {
	return d.addConfig(owner, domainID, "health_json", delta)
}

// AddSubscriber registers (name, op) on the domain, ignoring duplicates.
func (d *DB) AddSubscriber(owner, domainID, name, op string) error {
	for {
		dom, err := d.GetDomain(owner, domainID)
		if err != nil {
			return err
		}
		dom.AddSubscriber(name, op)
		if err := d.casSubscribers(dom); err == errCASRetry {
			continue
		} else if err != nil {
			return err
		}
		return nil
	}
}

// RemoveSubscriber drops every subscriber entry matching name.
func (d *DB) RemoveSubscriber(owner, domainID, name string) error {
	for {
		dom, err := d.GetDomain(owner, domainID)
		if err != nil {
			return err
		}
		dom.RemoveSubscriber(name)
		if err := d.casSubscribers(dom); err == errCASRetry {
			continue
		} else if err != nil {
			return err
		}
		return nil
	}
}

var errCASRetry = fmt.Errorf("store: CAS version conflict, retry")

func (d *DB) casSubscribers(dom *domain.Domain) error {
	subs, err := json.Marshal(dom.Subscribers)
	if err != nil {
		return err
	}
	res, err := d.db.Exec(
		`UPDATE domains SET subs_json = ?, version = version + 1, updated_at = ? WHERE owner = ? AND domain_id = ? AND version = ?`,
		subs, nowUnix(), dom.Owner, dom.DomainID, dom.Version,
	)
	if err != nil {
		return domain.NewTransportError("store.casSubscribers", err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return errCASRetry
	}
	return nil
}

// ─── Instance operations ───────────────────────────────────────────────────

// PutInstance inserts or fully replaces an instance record (used for the
// initial REQUESTING insert after a successful Control.Launch).
func (d *DB) PutInstance(inst *domain.Instance) error {
	extravars, err := marshalConfig(domain.Config(inst.ExtraVars))
	if err != nil {
		return err
	}
	errs, err := json.Marshal(inst.Errors)
	if err != nil {
		return err
	}
	now := nowUnix()
	_, err = d.db.Exec(
		`INSERT INTO instances (instance_id, owner, domain_id, site, allocation, deployable_type, state, health, extravars_json, launch_id, last_heartbeat_ts, error_ts, errors_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET
			site=excluded.site, allocation=excluded.allocation, deployable_type=excluded.deployable_type,
			state=excluded.state, health=excluded.health, extravars_json=excluded.extravars_json,
			launch_id=excluded.launch_id, last_heartbeat_ts=excluded.last_heartbeat_ts,
			error_ts=excluded.error_ts, errors_json=excluded.errors_json, updated_at=excluded.updated_at`,
		inst.InstanceID, inst.Owner, inst.DomainID, inst.Site, inst.Allocation, inst.DeployableType,
		int(inst.State), int(inst.Health), extravars, inst.LaunchID,
		nullableUnix(inst.LastHeartbeatTime), nullableUnix(inst.ErrorTime), errs, now, now,
	)
	if err != nil {
		return domain.NewTransportError("store.PutInstance", err)
	}
	return nil
}

// GetInstance returns the instance by id, or ErrInstanceNotFound.
func (d *DB) GetInstance(instanceID string) (*domain.Instance, error) {
	row := d.db.QueryRow(
		`SELECT instance_id, owner, domain_id, site, allocation, deployable_type, state, health, extravars_json, launch_id, last_heartbeat_ts, error_ts, errors_json, created_at, updated_at
		 FROM instances WHERE instance_id = ?`, instanceID,
	)
	return scanInstance(row)
}

// GetInstances returns every instance belonging to (owner, domainID).
func (d *DB) GetInstances(owner, domainID string) ([]*domain.Instance, error) {
	rows, err := d.db.Query(
		`SELECT instance_id, owner, domain_id, site, allocation, deployable_type, state, health, extravars_json, launch_id, last_heartbeat_ts, error_ts, errors_json, created_at, updated_at
		 FROM instances WHERE owner = ? AND domain_id = ? ORDER BY instance_id`, owner, domainID,
	)
	if err != nil {
		return nil, domain.NewTransportError("store.GetInstances", err)
	}
	defer rows.Close()

	var out []*domain.Instance
	for rows.Next() {
		inst, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// GetUnhealthyInstances returns every instance in (owner, domainID) whose
// health is MISSING, ERROR, or ZOMBIE.
func (d *DB) GetUnhealthyInstances(owner, domainID string) ([]*domain.Instance, error) {
	all, err := d.GetInstances(owner, domainID)
	if err != nil {
		return nil, err
	}
	var out []*domain.Instance
	for _, inst := range all {
		if inst.Health.IsUnhealthy() {
			out = append(out, inst)
		}
	}
	return out, nil
}

// NewInstanceState records a state transition, enforcing the monotone
// non-decreasing invariant: a request to move the State field backward
// is a silent no-op. site, allocation, and extraVars carry the rest of
// the instance-state message's content (spec.md §6); when non-empty they
// are always merged into the record, independent of whether State itself
// advances — grounded on new_instance_state(content, previous) in
// reactor.py, which updates the full content dict on every call.
func (d *DB) NewInstanceState(instanceID string, next domain.InstanceState, site, allocation string, extraVars map[string]any) error {
	inst, err := d.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if site != "" {
		inst.Site = site
	}
	if allocation != "" {
		inst.Allocation = allocation
	}
	if len(extraVars) > 0 {
		if inst.ExtraVars == nil {
			inst.ExtraVars = map[string]any{}
		}
		for k, v := range extraVars {
			inst.ExtraVars[k] = v
		}
	}
	if !inst.CanAdvanceTo(next) {
		return d.PutInstance(inst)
	}
	inst.State = next
	return d.PutInstance(inst)
}

// NewInstanceHealth records a health transition plus an optional error
// record, independent of State except that callers enforce the
// ZOMBIE-only-post-termination rule via Instance.CanBecomeZombie.
func (d *DB) NewInstanceHealth(instanceID string, health domain.InstanceHealthState, errorTime time.Time, errMsg string, extra map[string]any) error {
	inst, err := d.GetInstance(instanceID)
	if err != nil {
		return err
	}
	inst.Health = health
	if !errorTime.IsZero() {
		inst.ErrorTime = errorTime
		inst.Errors = append(inst.Errors, domain.ErrorRecord{Time: errorTime, Error: errMsg, Extra: extra})
	}
	return d.PutInstance(inst)
}

// SetInstanceHeartbeatTime updates only the last-heartbeat timestamp.
// Must be called after any health-state work for the same heartbeat has
// committed (see EPUMReactor.NewHeartbeat).
func (d *DB) SetInstanceHeartbeatTime(instanceID string, ts time.Time) error {
	res, err := d.db.Exec(
		`UPDATE instances SET last_heartbeat_ts = ?, updated_at = ? WHERE instance_id = ?`,
		ts.Unix(), nowUnix(), instanceID,
	)
	if err != nil {
		return domain.NewTransportError("store.SetInstanceHeartbeatTime", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrInstanceNotFound
	}
	return nil
}

// ─── scanning / marshaling helpers ──────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDomain(row *sql.Row) (*domain.Domain, error) {
	return scanDomainGeneric(row)
}

func scanDomainRows(rows *sql.Rows) (*domain.Domain, error) {
	return scanDomainGeneric(rows)
}

func scanDomainGeneric(s rowScanner) (*domain.Domain, error) {
	var dom domain.Domain
	var general, engine, health, subs string
	var createdAt, updatedAt int64
	err := s.Scan(&dom.Owner, &dom.DomainID, &general, &engine, &health, &subs, &dom.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrDomainNotFound
	}
	if err != nil {
		return nil, domain.NewTransportError("store.scanDomain", err)
	}
	if dom.General, err = unmarshalConfig(general); err != nil {
		return nil, err
	}
	if dom.Engine, err = unmarshalConfig(engine); err != nil {
		return nil, err
	}
	if dom.Health, err = unmarshalConfig(health); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(subs), &dom.Subscribers); err != nil {
		return nil, domain.NewTransportError("store.scanDomain", err)
	}
	dom.CreatedAt = time.Unix(createdAt, 0).UTC()
	dom.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &dom, nil
}

func scanInstance(row *sql.Row) (*domain.Instance, error) {
	return scanInstanceGeneric(row)
}

func scanInstanceRows(rows *sql.Rows) (*domain.Instance, error) {
	return scanInstanceGeneric(rows)
}

func scanInstanceGeneric(s rowScanner) (*domain.Instance, error) {
	var inst domain.Instance
	var state, health int
	var extravars, errs string
	var lastHeartbeat, errorTS sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&inst.InstanceID, &inst.Owner, &inst.DomainID, &inst.Site, &inst.Allocation, &inst.DeployableType,
		&state, &health, &extravars, &inst.LaunchID, &lastHeartbeat, &errorTS, &errs, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrInstanceNotFound
	}
	if err != nil {
		return nil, domain.NewTransportError("store.scanInstance", err)
	}

	inst.State = domain.InstanceState(state)
	inst.Health = domain.InstanceHealthState(health)
	cfg, err := unmarshalConfig(extravars)
	if err != nil {
		return nil, err
	}
	inst.ExtraVars = map[string]any(cfg)
	if err := json.Unmarshal([]byte(errs), &inst.Errors); err != nil {
		return nil, domain.NewTransportError("store.scanInstance", err)
	}
	if lastHeartbeat.Valid {
		inst.LastHeartbeatTime = time.Unix(lastHeartbeat.Int64, 0).UTC()
	}
	if errorTS.Valid {
		inst.ErrorTime = time.Unix(errorTS.Int64, 0).UTC()
	}
	inst.CreatedAt = time.Unix(createdAt, 0).UTC()
	inst.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &inst, nil
}

func marshalConfig(c domain.Config) (string, error) {
	if c == nil {
		c = domain.Config{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", domain.NewTransportError("store.marshalConfig", err)
	}
	return string(b), nil
}

func unmarshalConfig(s string) (domain.Config, error) {
	if s == "" {
		return domain.Config{}, nil
	}
	var c domain.Config
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, domain.NewTransportError("store.unmarshalConfig", err)
	}
	return c, nil
}

func nowUnix() int64 { return time.Now().Unix() }

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint violations as plain errors
	// whose text names the failing constraint; no typed sentinel is
	// exported, so this is the idiom the driver's own tests use.
	return err != nil && containsConstraint(err.Error())
}

func containsConstraint(msg string) bool {
	return len(msg) > 0 && (indexOf(msg, "UNIQUE constraint") >= 0 || indexOf(msg, "PRIMARY KEY") >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
