package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/welfare-ledger/ledger"
)

// =============================================================================
// LEDGER STORE - consumptions, families, grants
// =============================================================================

func (s *Store) GetFamily(ctx context.Context, id ledger.FamilyID) (ledger.Family, error) {
	return getFamily(ctx, s.db, id)
}

func (s *Store) ListBenefits(ctx context.Context, f ledger.BenefitFilter) ([]ledger.Benefit, error) {
	return listBenefits(ctx, s.db, f)
}

func (s *Store) ListConsumptions(ctx context.Context, f ledger.ConsumptionFilter) ([]ledger.Consumption, error) {
	return listConsumptions(ctx, s.db, f)
}

func (s *Store) GetConsumption(ctx context.Context, id ledger.ConsumptionID) (ledger.Consumption, error) {
	return getConsumption(ctx, s.db, id)
}

func (s *Store) FindConsumptionByReceipt(ctx context.Context, receiptID string) (*ledger.Consumption, error) {
	return findByReceipt(ctx, s.db, receiptID)
}

// CreateConsumption inserts c outside any balance check. Purchases go
// through ledger.Spend; this exists for imports and tests.
func (s *Store) CreateConsumption(ctx context.Context, c *ledger.Consumption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := createConsumption(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetProducts(ctx context.Context, ids []ledger.ProductID) ([]ledger.Product, error) {
	return getProducts(ctx, s.db, ids)
}

func (s *Store) SoftDeleteConsumption(ctx context.Context, id ledger.ConsumptionID, by, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return softDelete(ctx, s.db, id, by, reason, at)
}

// =============================================================================
// QUERIES
// =============================================================================

func getFamily(ctx context.Context, q querier, id ledger.FamilyID) (ledger.Family, error) {
	var (
		f           ledger.Family
		group       string
		deactivated sql.NullString
		created     string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, name, benefit_group, city_id, deactivated_at, created_at
		FROM families WHERE id = ?
	`, id).Scan(&f.ID, &f.Name, &group, &f.CityID, &deactivated, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Family{}, ledger.ErrFamilyNotFound
	}
	if err != nil {
		return ledger.Family{}, fmt.Errorf("failed to get family: %w", err)
	}
	f.Group = ledger.BenefitGroup(group)
	f.DeactivatedAt = timePtr(deactivated)
	f.CreatedAt = parseTime(created)
	return f, nil
}

func listBenefits(ctx context.Context, q querier, f ledger.BenefitFilter) ([]ledger.Benefit, error) {
	query := `
		SELECT b.id, b.institution_id, b.benefit_group, b.title, b.date, b.value, b.created_at, i.city_id
		FROM benefits b
		JOIN institutions i ON i.id = b.institution_id
		WHERE 1 = 1`
	var args []any
	if f.Group != "" {
		query += ` AND b.benefit_group = ?`
		args = append(args, string(f.Group))
	}
	if f.CityID != 0 {
		query += ` AND i.city_id = ?`
		args = append(args, f.CityID)
	}
	if !f.From.IsZero() {
		query += ` AND b.date >= ?`
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		query += ` AND b.date < ?`
		args = append(args, formatTime(f.To))
	}
	query += ` ORDER BY b.id`

	benefits, err := scanBenefits(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	if err := loadBenefitProducts(ctx, q, benefits); err != nil {
		return nil, err
	}
	return benefits, nil
}

func scanBenefits(ctx context.Context, q querier, query string, args ...any) ([]ledger.Benefit, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list benefits: %w", err)
	}
	defer rows.Close()

	var out []ledger.Benefit
	for rows.Next() {
		var (
			b                    ledger.Benefit
			group, date, created string
			value                string
		)
		if err := rows.Scan(&b.ID, &b.InstitutionID, &group, &b.Title, &date, &value, &created, &b.InstitutionCityID); err != nil {
			return nil, fmt.Errorf("failed to scan benefit: %w", err)
		}
		b.Group = ledger.BenefitGroup(group)
		b.Date = parseTime(date)
		b.CreatedAt = parseTime(created)
		b.Value, err = decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("benefit %d has invalid value %q: %w", b.ID, value, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func loadBenefitProducts(ctx context.Context, q querier, benefits []ledger.Benefit) error {
	if len(benefits) == 0 {
		return nil
	}
	index := make(map[ledger.BenefitID]int, len(benefits))
	args := make([]any, len(benefits))
	for i, b := range benefits {
		index[b.ID] = i
		args[i] = b.ID
	}

	rows, err := q.QueryContext(ctx, `
		SELECT benefit_id, product_id, amount FROM benefit_products
		WHERE benefit_id IN (`+placeholders(len(args))+`)
		ORDER BY benefit_id, product_id
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to load benefit products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   ledger.BenefitID
			line ledger.BenefitProduct
		)
		if err := rows.Scan(&id, &line.ProductID, &line.Amount); err != nil {
			return fmt.Errorf("failed to scan benefit product: %w", err)
		}
		i := index[id]
		benefits[i].Products = append(benefits[i].Products, line)
	}
	return rows.Err()
}

const consumptionColumns = `
	id, family_id, store_id, value, invalid_value, receipt_id, image_url,
	purchase_data, reviewed_at, created_by, created_at,
	deleted_at, deleted_by, delete_reason, scrape_attempts, last_scrape_error`

func listConsumptions(ctx context.Context, q querier, f ledger.ConsumptionFilter) ([]ledger.Consumption, error) {
	query := `SELECT ` + consumptionColumns + ` FROM consumptions WHERE 1 = 1`
	var args []any
	if f.FamilyID != 0 {
		query += ` AND family_id = ?`
		args = append(args, f.FamilyID)
	}
	if f.StoreID != 0 {
		query += ` AND store_id = ?`
		args = append(args, f.StoreID)
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, formatTime(f.To))
	}
	if !f.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryConsumptions(ctx, q, query, args...)
}

func getConsumption(ctx context.Context, q querier, id ledger.ConsumptionID) (ledger.Consumption, error) {
	list, err := queryConsumptions(ctx, q, `SELECT `+consumptionColumns+` FROM consumptions WHERE id = ?`, id)
	if err != nil {
		return ledger.Consumption{}, err
	}
	if len(list) == 0 {
		return ledger.Consumption{}, ledger.ErrConsumptionNotFound
	}
	return list[0], nil
}

func findByReceipt(ctx context.Context, q querier, receiptID string) (*ledger.Consumption, error) {
	if receiptID == "" {
		return nil, nil
	}
	list, err := queryConsumptions(ctx, q, `SELECT `+consumptionColumns+` FROM consumptions WHERE receipt_id = ?`, receiptID)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// queryConsumptions scans rows fully and closes them before loading product
// lines, so it is safe on a single-connection pool.
func queryConsumptions(ctx context.Context, q querier, query string, args ...any) ([]ledger.Consumption, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query consumptions: %w", err)
	}

	var out []ledger.Consumption
	for rows.Next() {
		c, err := scanConsumption(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := loadConsumptionProducts(ctx, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

func scanConsumption(rows *sql.Rows) (ledger.Consumption, error) {
	var (
		c                                  ledger.Consumption
		storeID                            sql.NullInt64
		value, invalid, created            string
		receipt, image, purchase, reviewed sql.NullString
		createdBy, deleted, deletedBy      sql.NullString
		reason, scrapeErr                  sql.NullString
	)
	err := rows.Scan(
		&c.ID, &c.FamilyID, &storeID, &value, &invalid, &receipt, &image,
		&purchase, &reviewed, &createdBy, &created,
		&deleted, &deletedBy, &reason, &c.ScrapeAttempts, &scrapeErr,
	)
	if err != nil {
		return c, fmt.Errorf("failed to scan consumption: %w", err)
	}

	if storeID.Valid {
		id := ledger.StoreID(storeID.Int64)
		c.StoreID = &id
	}
	if c.Value, err = decimal.NewFromString(value); err != nil {
		return c, fmt.Errorf("consumption %d has invalid value %q: %w", c.ID, value, err)
	}
	if c.InvalidValue, err = decimal.NewFromString(invalid); err != nil {
		return c, fmt.Errorf("consumption %d has invalid invalid_value %q: %w", c.ID, invalid, err)
	}
	if purchase.Valid && purchase.String != "" {
		var data ledger.PurchaseData
		if err := json.Unmarshal([]byte(purchase.String), &data); err != nil {
			return c, fmt.Errorf("consumption %d has malformed purchase data: %w", c.ID, err)
		}
		c.PurchaseData = &data
	}

	c.ReceiptID = receipt.String
	c.ImageURL = image.String
	c.ReviewedAt = timePtr(reviewed)
	c.CreatedBy = createdBy.String
	c.CreatedAt = parseTime(created)
	c.DeletedAt = timePtr(deleted)
	c.DeletedBy = deletedBy.String
	c.DeleteReason = reason.String
	c.LastScrapeError = scrapeErr.String
	return c, nil
}

func loadConsumptionProducts(ctx context.Context, q querier, list []ledger.Consumption) error {
	if len(list) == 0 {
		return nil
	}
	index := make(map[ledger.ConsumptionID]int, len(list))
	args := make([]any, len(list))
	for i, c := range list {
		index[c.ID] = i
		args[i] = c.ID
	}

	rows, err := q.QueryContext(ctx, `
		SELECT consumption_id, product_id, amount FROM consumption_products
		WHERE consumption_id IN (`+placeholders(len(args))+`)
		ORDER BY consumption_id, product_id
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to load consumption products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   ledger.ConsumptionID
			line ledger.ProductLine
		)
		if err := rows.Scan(&id, &line.ProductID, &line.Amount); err != nil {
			return fmt.Errorf("failed to scan consumption product: %w", err)
		}
		i := index[id]
		list[i].Products = append(list[i].Products, line)
	}
	return rows.Err()
}

func createConsumption(ctx context.Context, q querier, c *ledger.Consumption) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	var storeID sql.NullInt64
	if c.StoreID != nil {
		storeID = sql.NullInt64{Int64: int64(*c.StoreID), Valid: true}
	}
	purchase, err := marshalPurchase(c.PurchaseData)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO consumptions (
			family_id, store_id, value, invalid_value, receipt_id, image_url,
			purchase_data, reviewed_at, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.FamilyID, storeID, c.Value.String(), c.InvalidValue.String(),
		nullString(c.ReceiptID), nullString(c.ImageURL), purchase,
		nullTime(c.ReviewedAt), nullString(c.CreatedBy), formatTime(c.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateReceipt
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ledger.ErrFamilyNotFound
		}
		return fmt.Errorf("failed to insert consumption: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read consumption id: %w", err)
	}
	c.ID = ledger.ConsumptionID(id)

	for _, line := range c.Products {
		_, err := q.ExecContext(ctx, `
			INSERT INTO consumption_products (consumption_id, product_id, amount)
			VALUES (?, ?, ?)
		`, c.ID, line.ProductID, line.Amount)
		if err != nil {
			if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
				return ledger.ErrProductNotFound
			}
			return fmt.Errorf("failed to insert consumption product: %w", err)
		}
	}
	return nil
}

func softDelete(ctx context.Context, q querier, id ledger.ConsumptionID, by, reason string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE consumptions SET deleted_at = ?, deleted_by = ?, delete_reason = ?
		WHERE id = ? AND deleted_at IS NULL
	`, formatTime(at), nullString(by), reason, id)
	if err != nil {
		return fmt.Errorf("failed to delete consumption: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete consumption: %w", err)
	}
	if n == 1 {
		return nil
	}

	var deleted sql.NullString
	err = q.QueryRowContext(ctx, `SELECT deleted_at FROM consumptions WHERE id = ?`, id).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrConsumptionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete consumption: %w", err)
	}
	return ledger.ErrAlreadyDeleted
}

func getProducts(ctx context.Context, q querier, ids []ledger.ProductID) ([]ledger.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return queryProducts(ctx, q, `
		SELECT id, name, valid, created_at FROM products
		WHERE id IN (`+placeholders(len(args))+`) ORDER BY id
	`, args...)
}

func queryProducts(ctx context.Context, q querier, query string, args ...any) ([]ledger.Product, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var out []ledger.Product
	for rows.Next() {
		var (
			p       ledger.Product
			valid   sql.NullBool
			created string
		)
		if err := rows.Scan(&p.ID, &p.Name, &valid, &created); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		if valid.Valid {
			v := valid.Bool
			p.Valid = &v
		}
		p.CreatedAt = parseTime(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

func marshalPurchase(p *ledger.PurchaseData) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	cp := *p
	if cp.Payment == nil {
		cp.Payment = []ledger.PaymentLine{}
	}
	if cp.Products == nil {
		cp.Products = []ledger.PurchasedProduct{}
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode purchase data: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
