package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/stayware/lodgemap/internal/model"
)

type PrincipalStore struct {
	db *sql.DB
}

func NewPrincipalStore(db *sql.DB) *PrincipalStore {
	return &PrincipalStore{db: db}
}

const principalCols = `id, name, key_id, key_hash, role, created_at`

func scanPrincipal(scanner interface{ Scan(...any) error }) (*model.Principal, error) {
	var p model.Principal
	err := scanner.Scan(&p.ID, &p.Name, &p.KeyID, &p.KeyHash, &p.Role, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create stores a principal. KeyHash must already be a bcrypt hash; the
// plain secret never reaches the store.
func (s *PrincipalStore) Create(name, keyID, keyHash string, role model.Role) (*model.Principal, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO principals (name, key_id, key_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		name, keyID, keyHash, role, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create principal: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("principal insert id: %w", err)
	}
	return &model.Principal{
		ID:        id,
		Name:      name,
		KeyID:     keyID,
		KeyHash:   keyHash,
		Role:      role,
		CreatedAt: now,
	}, nil
}

func (s *PrincipalStore) GetByKeyID(keyID string) (*model.Principal, error) {
	row := s.db.QueryRow(`SELECT `+principalCols+` FROM principals WHERE key_id = ?`, keyID)
	p, err := scanPrincipal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get principal by key id: %w", err)
	}
	return p, nil
}

func (s *PrincipalStore) GetByID(id int64) (*model.Principal, error) {
	row := s.db.QueryRow(`SELECT `+principalCols+` FROM principals WHERE id = ?`, id)
	p, err := scanPrincipal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get principal %d: %w", id, err)
	}
	return p, nil
}
