package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/welfare-ledger/ledger"
)

// =============================================================================
// REGISTRY - cities, institutions, families, grants, products
//
// These rows are owned by an external CRUD surface. The inserts here seed
// development databases and tests.
// =============================================================================

func (s *Store) CreateCity(ctx context.Context, c *ledger.City) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `INSERT INTO cities (name) VALUES (?)`, c.Name)
	if err != nil {
		return fmt.Errorf("failed to insert city: %w", err)
	}
	id, err := res.LastInsertId()
	c.ID = ledger.CityID(id)
	return err
}

func (s *Store) CreateInstitution(ctx context.Context, i *ledger.Institution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `INSERT INTO institutions (name, city_id) VALUES (?, ?)`, i.Name, i.CityID)
	if err != nil {
		return fmt.Errorf("failed to insert institution: %w", err)
	}
	id, err := res.LastInsertId()
	i.ID = ledger.InstitutionID(id)
	return err
}

func (s *Store) CreateFamily(ctx context.Context, f *ledger.Family) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO families (name, benefit_group, city_id, deactivated_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, f.Name, string(f.Group), f.CityID, nullTime(f.DeactivatedAt), formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert family: %w", err)
	}
	id, err := res.LastInsertId()
	f.ID = ledger.FamilyID(id)
	return err
}

func (s *Store) DeactivateFamily(ctx context.Context, id ledger.FamilyID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE families SET deactivated_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate family: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrFamilyNotFound
	}
	return nil
}

func (s *Store) CreateDependent(ctx context.Context, d *ledger.Dependent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dependents (family_id, name, deactivated_at, created_at)
		VALUES (?, ?, ?, ?)
	`, d.FamilyID, d.Name, nullTime(d.DeactivatedAt), formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert dependent: %w", err)
	}
	id, err := res.LastInsertId()
	d.ID = ledger.DependentID(id)
	return err
}

func (s *Store) ListDependents(ctx context.Context, familyID ledger.FamilyID) ([]ledger.Dependent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, family_id, name, deactivated_at, created_at
		FROM dependents WHERE family_id = ? ORDER BY id
	`, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents: %w", err)
	}
	defer rows.Close()

	var out []ledger.Dependent
	for rows.Next() {
		var (
			d           ledger.Dependent
			deactivated sql.NullString
			created     string
		)
		if err := rows.Scan(&d.ID, &d.FamilyID, &d.Name, &deactivated, &created); err != nil {
			return nil, fmt.Errorf("failed to scan dependent: %w", err)
		}
		d.DeactivatedAt = timePtr(deactivated)
		d.CreatedAt = parseTime(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateBenefit inserts a grant and its product lines atomically.
func (s *Store) CreateBenefit(ctx context.Context, b *ledger.Benefit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO benefits (institution_id, benefit_group, title, date, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.InstitutionID, string(b.Group), b.Title, formatTime(b.Date), b.Value.String(), formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert benefit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read benefit id: %w", err)
	}
	b.ID = ledger.BenefitID(id)

	for _, line := range b.Products {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO benefit_products (benefit_id, product_id, amount) VALUES (?, ?, ?)
		`, b.ID, line.ProductID, line.Amount)
		if err != nil {
			return fmt.Errorf("failed to insert benefit product: %w", err)
		}
	}

	if err := tx.QueryRowContext(ctx, `SELECT city_id FROM institutions WHERE id = ?`, b.InstitutionID).Scan(&b.InstitutionCityID); err != nil {
		return fmt.Errorf("failed to read institution city: %w", err)
	}
	return tx.Commit()
}

// DeleteBenefit removes a grant; its product lines cascade.
func (s *Store) DeleteBenefit(ctx context.Context, id ledger.BenefitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM benefits WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete benefit: %w", err)
	}
	return nil
}

// CreateProduct returns ledger.ErrDuplicateProduct when the name exists.
func (s *Store) CreateProduct(ctx context.Context, p *ledger.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	var valid sql.NullBool
	if p.Valid != nil {
		valid = sql.NullBool{Bool: *p.Valid, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO products (name, valid, created_at) VALUES (?, ?, ?)
	`, p.Name, valid, formatTime(p.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateProduct
		}
		return fmt.Errorf("failed to insert product: %w", err)
	}
	id, err := res.LastInsertId()
	p.ID = ledger.ProductID(id)
	return err
}
