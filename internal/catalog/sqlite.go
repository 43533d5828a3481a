package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/skyfleet/tracker/pkg/logger"
)

// SQLiteStore is the SQLite-backed catalog implementation. The database is
// opened read-mostly; metadata lookups are additionally memoized in memory
// since catalog rows never change within a session.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger

	mu       sync.RWMutex
	metaMemo map[string]StaticMetadata
}

// NewSQLiteStore opens the catalog database and ensures the schema exists.
func NewSQLiteStore(dbPath string, log *logger.Logger) (*SQLiteStore, error) {
	storeLogger := log.Named("catalog")

	storeLogger.Info("Opening aircraft catalog", logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{
		db:       db,
		logger:   storeLogger,
		metaMemo: make(map[string]StaticMetadata),
	}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS aircraft (
			icao24 TEXT PRIMARY KEY,
			manufacturer TEXT NOT NULL,
			model TEXT,
			registration TEXT,
			owner_name TEXT,
			owner_city TEXT,
			owner_state TEXT,
			owner_type TEXT,
			aircraft_type TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create aircraft table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_aircraft_manufacturer
		ON aircraft (manufacturer COLLATE NOCASE)
	`)
	if err != nil {
		return fmt.Errorf("failed to create manufacturer index: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// IcaosForManufacturer returns all transponder ids for a manufacturer,
// case-insensitively.
func (s *SQLiteStore) IcaosForManufacturer(manufacturer string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT icao24 FROM aircraft
		WHERE manufacturer = ? COLLATE NOCASE
		ORDER BY icao24
	`, manufacturer)
	if err != nil {
		return nil, fmt.Errorf("failed to query manufacturer ids: %w", err)
	}
	defer rows.Close()

	var icaos []string
	for rows.Next() {
		var icao string
		if err := rows.Scan(&icao); err != nil {
			return nil, fmt.Errorf("failed to scan icao24: %w", err)
		}
		icaos = append(icaos, strings.ToLower(icao))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate manufacturer ids: %w", err)
	}

	s.logger.Debug("Resolved manufacturer ids",
		logger.String("manufacturer", manufacturer),
		logger.Int("count", len(icaos)))

	return icaos, nil
}

// Metadata returns the static attributes for one id.
func (s *SQLiteStore) Metadata(icao string) (StaticMetadata, bool) {
	icao = strings.ToLower(icao)

	s.mu.RLock()
	if meta, ok := s.metaMemo[icao]; ok {
		s.mu.RUnlock()
		return meta, true
	}
	s.mu.RUnlock()

	meta, err := s.queryOne(icao)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Error("Catalog lookup failed", logger.Error(err), logger.String("icao24", icao))
		}
		return StaticMetadata{}, false
	}

	s.mu.Lock()
	s.metaMemo[icao] = meta
	s.mu.Unlock()
	return meta, true
}

// MetadataBatch returns attributes for many ids in one query; ids without a
// catalog entry are absent from the result.
func (s *SQLiteStore) MetadataBatch(icaos []string) (map[string]StaticMetadata, error) {
	result := make(map[string]StaticMetadata, len(icaos))
	if len(icaos) == 0 {
		return result, nil
	}

	var missing []string
	s.mu.RLock()
	for _, icao := range icaos {
		icao = strings.ToLower(icao)
		if meta, ok := s.metaMemo[icao]; ok {
			result[icao] = meta
		} else {
			missing = append(missing, icao)
		}
	}
	s.mu.RUnlock()

	if len(missing) == 0 {
		return result, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(missing)), ",")
	args := make([]interface{}, len(missing))
	for i, icao := range missing {
		args[i] = icao
	}

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT icao24, manufacturer, model, registration,
		       owner_name, owner_city, owner_state, owner_type, aircraft_type
		FROM aircraft WHERE icao24 IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata batch: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		result[meta.ICAO] = meta
		s.metaMemo[meta.ICAO] = meta
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metadata batch: %w", err)
	}

	return result, nil
}

// Manufacturers lists the distinct manufacturer names in the catalog.
func (s *SQLiteStore) Manufacturers() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT manufacturer FROM aircraft ORDER BY manufacturer`)
	if err != nil {
		return nil, fmt.Errorf("failed to query manufacturers: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan manufacturer: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate manufacturers: %w", err)
	}
	return names, nil
}

// Upsert inserts or replaces one catalog row. Used by catalog import tooling
// and tests; the tracking core never writes.
func (s *SQLiteStore) Upsert(meta StaticMetadata) error {
	_, err := s.db.Exec(`
		INSERT INTO aircraft (icao24, manufacturer, model, registration,
			owner_name, owner_city, owner_state, owner_type, aircraft_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(icao24) DO UPDATE SET
			manufacturer = excluded.manufacturer,
			model = excluded.model,
			registration = excluded.registration,
			owner_name = excluded.owner_name,
			owner_city = excluded.owner_city,
			owner_state = excluded.owner_state,
			owner_type = excluded.owner_type,
			aircraft_type = excluded.aircraft_type
	`, strings.ToLower(meta.ICAO), meta.Manufacturer, meta.Model, meta.Registration,
		meta.OwnerName, meta.OwnerCity, meta.OwnerState, meta.OwnerType, meta.AircraftType)
	if err != nil {
		return fmt.Errorf("failed to upsert catalog row: %w", err)
	}

	s.mu.Lock()
	delete(s.metaMemo, strings.ToLower(meta.ICAO))
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) queryOne(icao string) (StaticMetadata, error) {
	row := s.db.QueryRow(`
		SELECT icao24, manufacturer, model, registration,
		       owner_name, owner_city, owner_state, owner_type, aircraft_type
		FROM aircraft WHERE icao24 = ?
	`, icao)

	var meta StaticMetadata
	var model, reg, ownerName, ownerCity, ownerState, ownerType, acType sql.NullString
	if err := row.Scan(&meta.ICAO, &meta.Manufacturer, &model, &reg,
		&ownerName, &ownerCity, &ownerState, &ownerType, &acType); err != nil {
		return StaticMetadata{}, err
	}
	meta.Model = model.String
	meta.Registration = reg.String
	meta.OwnerName = ownerName.String
	meta.OwnerCity = ownerCity.String
	meta.OwnerState = ownerState.String
	meta.OwnerType = ownerType.String
	meta.AircraftType = acType.String
	return meta, nil
}

func scanMetadata(rows *sql.Rows) (StaticMetadata, error) {
	var meta StaticMetadata
	var model, reg, ownerName, ownerCity, ownerState, ownerType, acType sql.NullString
	if err := rows.Scan(&meta.ICAO, &meta.Manufacturer, &model, &reg,
		&ownerName, &ownerCity, &ownerState, &ownerType, &acType); err != nil {
		return StaticMetadata{}, fmt.Errorf("failed to scan catalog row: %w", err)
	}
	meta.Model = model.String
	meta.Registration = reg.String
	meta.OwnerName = ownerName.String
	meta.OwnerCity = ownerCity.String
	meta.OwnerState = ownerState.String
	meta.OwnerType = ownerType.String
	meta.AircraftType = acType.String
	return meta, nil
}
