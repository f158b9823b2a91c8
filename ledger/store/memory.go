// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/welfare-ledger/jobs"
	"github.com/warp/welfare-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore plus the receipt, validation and job run
// stores. IDs are assigned sequentially from 1.
type Memory struct {
	mu   sync.RWMutex
	data memData
}

type memData struct {
	nextID       int64
	cities       map[ledger.CityID]ledger.City
	institutions map[ledger.InstitutionID]ledger.Institution
	families     map[ledger.FamilyID]ledger.Family
	dependents   map[ledger.DependentID]ledger.Dependent
	benefits     map[ledger.BenefitID]ledger.Benefit
	products     map[ledger.ProductID]ledger.Product
	consumptions map[ledger.ConsumptionID]ledger.Consumption
	receipts     map[string]ledger.ConsumptionID
	runs         map[string]jobs.JobRun
}

func NewMemory() *Memory {
	return &Memory{data: memData{
		cities:       make(map[ledger.CityID]ledger.City),
		institutions: make(map[ledger.InstitutionID]ledger.Institution),
		families:     make(map[ledger.FamilyID]ledger.Family),
		dependents:   make(map[ledger.DependentID]ledger.Dependent),
		benefits:     make(map[ledger.BenefitID]ledger.Benefit),
		products:     make(map[ledger.ProductID]ledger.Product),
		consumptions: make(map[ledger.ConsumptionID]ledger.Consumption),
		receipts:     make(map[string]ledger.ConsumptionID),
		runs:         make(map[string]jobs.JobRun),
	}}
}

func (d *memData) id() int64 {
	d.nextID++
	return d.nextID
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn while holding the write lock, so no other operation
// interleaves. Consumption state is snapshotted and restored if fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{m: m}); err != nil {
		m.data.consumptions = snapshot.consumptions
		m.data.receipts = snapshot.receipts
		m.data.nextID = snapshot.nextID
		return err
	}
	return nil
}

type memSnapshot struct {
	nextID       int64
	consumptions map[ledger.ConsumptionID]ledger.Consumption
	receipts     map[string]ledger.ConsumptionID
}

func (m *Memory) snapshot() memSnapshot {
	s := memSnapshot{
		nextID:       m.data.nextID,
		consumptions: make(map[ledger.ConsumptionID]ledger.Consumption, len(m.data.consumptions)),
		receipts:     make(map[string]ledger.ConsumptionID, len(m.data.receipts)),
	}
	for k, v := range m.data.consumptions {
		s.consumptions[k] = v
	}
	for k, v := range m.data.receipts {
		s.receipts[k] = v
	}
	return s
}

// txView is the ledger.Store handed to WithTx callbacks. The parent lock is
// already held, so it calls the unlocked internals directly.
type txView struct {
	m *Memory
}

func (tv *txView) GetFamily(_ context.Context, id ledger.FamilyID) (ledger.Family, error) {
	return tv.m.getFamily(id)
}

func (tv *txView) ListBenefits(_ context.Context, f ledger.BenefitFilter) ([]ledger.Benefit, error) {
	return tv.m.listBenefits(f), nil
}

func (tv *txView) ListConsumptions(_ context.Context, f ledger.ConsumptionFilter) ([]ledger.Consumption, error) {
	return tv.m.listConsumptions(f), nil
}

func (tv *txView) GetConsumption(_ context.Context, id ledger.ConsumptionID) (ledger.Consumption, error) {
	return tv.m.getConsumption(id)
}

func (tv *txView) FindConsumptionByReceipt(_ context.Context, receiptID string) (*ledger.Consumption, error) {
	return tv.m.findByReceipt(receiptID), nil
}

func (tv *txView) CreateConsumption(_ context.Context, c *ledger.Consumption) error {
	return tv.m.createConsumption(c)
}

func (tv *txView) GetProducts(_ context.Context, ids []ledger.ProductID) ([]ledger.Product, error) {
	return tv.m.getProducts(ids), nil
}

func (tv *txView) SoftDeleteConsumption(_ context.Context, id ledger.ConsumptionID, by, reason string, at time.Time) error {
	return tv.m.softDelete(id, by, reason, at)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (m *Memory) GetFamily(_ context.Context, id ledger.FamilyID) (ledger.Family, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getFamily(id)
}

func (m *Memory) ListBenefits(_ context.Context, f ledger.BenefitFilter) ([]ledger.Benefit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBenefits(f), nil
}

func (m *Memory) ListConsumptions(_ context.Context, f ledger.ConsumptionFilter) ([]ledger.Consumption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listConsumptions(f), nil
}

func (m *Memory) GetConsumption(_ context.Context, id ledger.ConsumptionID) (ledger.Consumption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getConsumption(id)
}

func (m *Memory) FindConsumptionByReceipt(_ context.Context, receiptID string) (*ledger.Consumption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findByReceipt(receiptID), nil
}

func (m *Memory) CreateConsumption(_ context.Context, c *ledger.Consumption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createConsumption(c)
}

func (m *Memory) GetProducts(_ context.Context, ids []ledger.ProductID) ([]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getProducts(ids), nil
}

func (m *Memory) SoftDeleteConsumption(_ context.Context, id ledger.ConsumptionID, by, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softDelete(id, by, reason, at)
}

func (m *Memory) getFamily(id ledger.FamilyID) (ledger.Family, error) {
	f, ok := m.data.families[id]
	if !ok {
		return ledger.Family{}, ledger.ErrFamilyNotFound
	}
	return f, nil
}

func (m *Memory) listBenefits(f ledger.BenefitFilter) []ledger.Benefit {
	var out []ledger.Benefit
	for _, b := range m.data.benefits {
		b.InstitutionCityID = m.data.institutions[b.InstitutionID].CityID
		if f.Group != "" && b.Group != f.Group {
			continue
		}
		if f.CityID != 0 && b.InstitutionCityID != f.CityID {
			continue
		}
		if !f.From.IsZero() && b.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !b.Date.Before(f.To) {
			continue
		}
		b.Products = slices.Clone(b.Products)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) listConsumptions(f ledger.ConsumptionFilter) []ledger.Consumption {
	var out []ledger.Consumption
	for _, c := range m.data.consumptions {
		if f.FamilyID != 0 && c.FamilyID != f.FamilyID {
			continue
		}
		if f.StoreID != 0 && (c.StoreID == nil || *c.StoreID != f.StoreID) {
			continue
		}
		if !f.From.IsZero() && c.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !c.CreatedAt.Before(f.To) {
			continue
		}
		if c.Deleted() && !f.IncludeDeleted {
			continue
		}
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (m *Memory) getConsumption(id ledger.ConsumptionID) (ledger.Consumption, error) {
	c, ok := m.data.consumptions[id]
	if !ok {
		return ledger.Consumption{}, ledger.ErrConsumptionNotFound
	}
	return clone(c), nil
}

func (m *Memory) findByReceipt(receiptID string) *ledger.Consumption {
	if receiptID == "" {
		return nil
	}
	id, ok := m.data.receipts[receiptID]
	if !ok {
		return nil
	}
	c := clone(m.data.consumptions[id])
	return &c
}

func (m *Memory) createConsumption(c *ledger.Consumption) error {
	if _, ok := m.data.families[c.FamilyID]; !ok {
		return ledger.ErrFamilyNotFound
	}
	if c.ReceiptID != "" {
		if _, ok := m.data.receipts[c.ReceiptID]; ok {
			return ledger.ErrDuplicateReceipt
		}
	}
	c.ID = ledger.ConsumptionID(m.data.id())
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.data.consumptions[c.ID] = clone(*c)
	if c.ReceiptID != "" {
		m.data.receipts[c.ReceiptID] = c.ID
	}
	return nil
}

func (m *Memory) getProducts(ids []ledger.ProductID) []ledger.Product {
	out := make([]ledger.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.data.products[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (m *Memory) softDelete(id ledger.ConsumptionID, by, reason string, at time.Time) error {
	c, ok := m.data.consumptions[id]
	if !ok {
		return ledger.ErrConsumptionNotFound
	}
	if c.Deleted() {
		return ledger.ErrAlreadyDeleted
	}
	c.DeletedAt = &at
	c.DeletedBy = by
	c.DeleteReason = reason
	m.data.consumptions[id] = c
	return nil
}

// =============================================================================
// RECEIPT STORE
// =============================================================================

// ListUnscraped returns non-deleted consumptions with a receipt and no
// purchase data, oldest first. maxAttempts 0 means no cap.
func (m *Memory) ListUnscraped(_ context.Context, limit, maxAttempts int) ([]ledger.Consumption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Consumption
	for _, c := range m.listConsumptions(ledger.ConsumptionFilter{}) {
		if c.ReceiptID == "" || c.PurchaseData != nil {
			continue
		}
		if maxAttempts > 0 && c.ScrapeAttempts >= maxAttempts {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) SavePurchaseData(_ context.Context, id ledger.ConsumptionID, data ledger.PurchaseData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.data.consumptions[id]
	if !ok {
		return ledger.ErrConsumptionNotFound
	}
	c.PurchaseData = clonePurchase(&data)
	c.LastScrapeError = ""
	m.data.consumptions[id] = c
	return nil
}

func (m *Memory) RecordScrapeFailure(_ context.Context, id ledger.ConsumptionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.data.consumptions[id]
	if !ok {
		return ledger.ErrConsumptionNotFound
	}
	c.ScrapeAttempts++
	c.LastScrapeError = reason
	m.data.consumptions[id] = c
	return nil
}

// =============================================================================
// VALIDATION STORE
// =============================================================================

// ListUnreviewed returns non-deleted consumptions without reviewedAt, oldest
// first. withData restricts the queue to consumptions already scraped.
func (m *Memory) ListUnreviewed(_ context.Context, limit int, withData bool) ([]ledger.Consumption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Consumption
	for _, c := range m.listConsumptions(ledger.ConsumptionFilter{}) {
		if c.ReviewedAt != nil || (withData && c.PurchaseData == nil) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListProducts(_ context.Context) ([]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Product, 0, len(m.data.products))
	for _, p := range m.data.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateProduct(_ context.Context, p *ledger.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.data.products {
		if existing.Name == p.Name {
			return ledger.ErrDuplicateProduct
		}
	}
	p.ID = ledger.ProductID(m.data.id())
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.data.products[p.ID] = *p
	return nil
}

func (m *Memory) MarkReviewed(_ context.Context, id ledger.ConsumptionID, invalid decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.data.consumptions[id]
	if !ok {
		return ledger.ErrConsumptionNotFound
	}
	c.InvalidValue = invalid
	c.ReviewedAt = &at
	m.data.consumptions[id] = c
	return nil
}

// =============================================================================
// JOB RUNS
// =============================================================================

func (m *Memory) SaveJobRun(_ context.Context, run jobs.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.runs[run.ID] = run
	return nil
}

// ListJobRuns returns runs newest first. An empty job lists all jobs.
func (m *Memory) ListJobRuns(_ context.Context, job string, limit int) ([]jobs.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []jobs.JobRun
	for _, r := range m.data.runs {
		if job == "" || r.Job == job {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// REGISTRY - rows owned by external CRUD, created directly in dev and tests
// =============================================================================

func (m *Memory) CreateCity(_ context.Context, c *ledger.City) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = ledger.CityID(m.data.id())
	m.data.cities[c.ID] = *c
	return nil
}

func (m *Memory) CreateInstitution(_ context.Context, i *ledger.Institution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i.ID = ledger.InstitutionID(m.data.id())
	m.data.institutions[i.ID] = *i
	return nil
}

func (m *Memory) CreateFamily(_ context.Context, f *ledger.Family) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = ledger.FamilyID(m.data.id())
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	m.data.families[f.ID] = *f
	return nil
}

func (m *Memory) DeactivateFamily(_ context.Context, id ledger.FamilyID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.data.families[id]
	if !ok {
		return ledger.ErrFamilyNotFound
	}
	f.DeactivatedAt = &at
	m.data.families[id] = f
	return nil
}

func (m *Memory) CreateDependent(_ context.Context, d *ledger.Dependent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.families[d.FamilyID]; !ok {
		return ledger.ErrFamilyNotFound
	}
	d.ID = ledger.DependentID(m.data.id())
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.data.dependents[d.ID] = *d
	return nil
}

func (m *Memory) ListDependents(_ context.Context, familyID ledger.FamilyID) ([]ledger.Dependent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Dependent
	for _, d := range m.data.dependents {
		if d.FamilyID == familyID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateBenefit(_ context.Context, b *ledger.Benefit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = ledger.BenefitID(m.data.id())
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	b.InstitutionCityID = m.data.institutions[b.InstitutionID].CityID
	stored := *b
	stored.Products = slices.Clone(b.Products)
	m.data.benefits[b.ID] = stored
	return nil
}

// DeleteBenefit removes a grant together with its product lines.
func (m *Memory) DeleteBenefit(_ context.Context, id ledger.BenefitID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.benefits, id)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func clone(c ledger.Consumption) ledger.Consumption {
	c.Products = slices.Clone(c.Products)
	c.PurchaseData = clonePurchase(c.PurchaseData)
	return c
}

func clonePurchase(p *ledger.PurchaseData) *ledger.PurchaseData {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Payment = slices.Clone(p.Payment)
	cp.Products = slices.Clone(p.Products)
	if cp.Payment == nil {
		cp.Payment = []ledger.PaymentLine{}
	}
	if cp.Products == nil {
		cp.Products = []ledger.PurchasedProduct{}
	}
	return &cp
}
