package auth

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationPatientLinks is the DDL for the patient_links table mapping
// directory identities to the patient records they own.
const MigrationPatientLinks = `
CREATE TABLE IF NOT EXISTS patient_links (
    id           UUID PRIMARY KEY,
    idp_user_id  TEXT NOT NULL,
    patient_id   TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (idp_user_id, patient_id)
);

CREATE INDEX IF NOT EXISTS idx_patient_links_idp_user_id
    ON patient_links (idp_user_id);
`

// PGPatientLinkDirectory resolves directory identities to linked patient ids
// from the patient_links table.
type PGPatientLinkDirectory struct {
	pool *pgxpool.Pool
}

// NewPGPatientLinkDirectory creates a PG-backed link directory.
func NewPGPatientLinkDirectory(pool *pgxpool.Pool) *PGPatientLinkDirectory {
	return &PGPatientLinkDirectory{pool: pool}
}

// LinkedPatientIDs implements PatientLinkDirectory.
func (d *PGPatientLinkDirectory) LinkedPatientIDs(ctx context.Context, idpUserID string) ([]string, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT patient_id FROM patient_links
		WHERE idp_user_id = $1 ORDER BY created_at`, idpUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Link records a new identity-to-patient link.
func (d *PGPatientLinkDirectory) Link(ctx context.Context, idpUserID, patientID string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO patient_links (id, idp_user_id, patient_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (idp_user_id, patient_id) DO NOTHING`,
		uuid.New(), idpUserID, patientID)
	return err
}

// MemoryPatientLinkDirectory is an in-memory PatientLinkDirectory for
// development and tests.
type MemoryPatientLinkDirectory struct {
	mu    sync.RWMutex
	links map[string][]string
}

// NewMemoryPatientLinkDirectory creates an empty in-memory link directory.
func NewMemoryPatientLinkDirectory() *MemoryPatientLinkDirectory {
	return &MemoryPatientLinkDirectory{links: make(map[string][]string)}
}

// Link records a link.
func (d *MemoryPatientLinkDirectory) Link(idpUserID, patientID string) {
	d.mu.Lock()
	d.links[idpUserID] = append(d.links[idpUserID], patientID)
	d.mu.Unlock()
}

// LinkedPatientIDs implements PatientLinkDirectory.
func (d *MemoryPatientLinkDirectory) LinkedPatientIDs(_ context.Context, idpUserID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.links[idpUserID]...), nil
}
