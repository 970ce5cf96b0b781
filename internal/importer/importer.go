// Package importer replays historical spreadsheet rows into the ledger. Rows
// are written in chunks; a chunk that fails is retried row by row so one bad
// row never costs the rest of the file.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ledgerdesk/backend/internal/apperr"
	"ledgerdesk/backend/internal/catalog"
	"ledgerdesk/backend/internal/domain"
	"ledgerdesk/backend/internal/ledger"
	"ledgerdesk/backend/internal/money"
	"ledgerdesk/backend/internal/store"
	"ledgerdesk/backend/internal/xid"
)

const (
	DefaultCustomerName = "بدون اسم"
	DefaultProductName  = "-"
	DefaultSize         = "-"

	DefaultChunkWrites = 200
	maxReportedErrors  = 50
)

var collectionKeys = []string{"تحصيل", "collection"}

// CollectionProduct is the single product every collection row is booked
// against, however the sheet spelled the keyword.
const CollectionProduct = "تحصيل"

// IsCollectionKey reports whether a product cell marks a pure payment row.
func IsCollectionKey(product string) bool {
	key := foldCase(strings.Join(strings.Fields(product), ""))
	for _, k := range collectionKeys {
		if key == k {
			return true
		}
	}
	return false
}

// Row is one spreadsheet line after classification, with every default and
// the collection rule already applied.
type Row struct {
	Number       int
	Date         time.Time
	Customer     string
	Product      string
	Size         string
	Price        decimal.Decimal
	Quantity     int
	LineTotal    decimal.Decimal
	Total        decimal.Decimal
	Collection   decimal.Decimal
	Balance      decimal.Decimal
	IsCollection bool
	// Err is set when the row cannot be booked as written.
	Err error
}

func (r Row) Kind() domain.InvoiceKind {
	if r.IsCollection {
		return domain.KindCollection
	}
	return domain.KindSale
}

type Parsed struct {
	Columns ColumnMap
	Rows    []Row
	// Skipped holds the sheet row numbers of fully blank lines.
	Skipped []int
}

// Parse maps the header once and classifies every data row. Row numbers are
// 1-based sheet rows, so the first data row is 2.
func Parse(grid [][]string, now time.Time) Parsed {
	if len(grid) == 0 {
		return Parsed{Columns: MapHeader(nil)}
	}
	out := Parsed{Columns: MapHeader(grid[0]), Rows: make([]Row, 0, len(grid)-1)}
	for i, raw := range grid[1:] {
		number := i + 2
		if isBlank(raw) {
			out.Skipped = append(out.Skipped, number)
			continue
		}
		out.Rows = append(out.Rows, parseRow(out.Columns, raw, number, now))
	}
	return out
}

func isBlank(raw []string) bool {
	for _, v := range raw {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func cellAt(cols ColumnMap, raw []string, role Role) Cell {
	idx := cols.Index(role)
	if idx < 0 || idx >= len(raw) {
		return Cell{Kind: CellEmpty}
	}
	return Classify(role, raw[idx])
}

func parseRow(cols ColumnMap, raw []string, number int, now time.Time) Row {
	row := Row{
		Number:   number,
		Date:     now,
		Customer: cellAt(cols, raw, RoleCustomer).TextOr(DefaultCustomerName),
		Product:  cellAt(cols, raw, RoleProduct).TextOr(DefaultProductName),
		Size:     cellAt(cols, raw, RoleSize).TextOr(DefaultSize),
	}
	if d := cellAt(cols, raw, RoleDate); d.Kind == CellDate {
		row.Date = d.Date
	}

	price := cellAt(cols, raw, RolePrice).NumberOr(money.Zero)
	rawQty := cellAt(cols, raw, RoleQuantity).NumberOr(money.Zero)
	rowTotal := cellAt(cols, raw, RoleTotal).NumberOr(money.Zero)

	if IsCollectionKey(row.Product) {
		row.IsCollection = true
		row.Product = CollectionProduct
		row.Quantity = 1
		row.Price = money.Zero
		row.LineTotal = money.Zero
		row.Collection = money.Normalize(rowTotal.Abs())
		row.Total = row.Collection
		row.Balance = money.Zero
		if !money.InRange(row.Collection) {
			row.Err = fmt.Errorf("collection %s exceeds %s", row.Collection, money.MaxAmount)
		}
		return row
	}

	qty := 1
	switch {
	case !rawQty.IsInteger():
		row.Err = fmt.Errorf("quantity %s is not a whole number", rawQty)
	case rawQty.GreaterThan(decimal.NewFromInt(money.MaxQuantity)):
		row.Err = fmt.Errorf("quantity %s exceeds %d", rawQty, money.MaxQuantity)
	case rawQty.IntPart() > 1:
		qty = int(rawQty.IntPart())
	}

	row.Price = price
	row.Quantity = qty
	row.LineTotal = money.LineTotal(price, qty)
	row.Total = row.LineTotal
	if !rowTotal.IsZero() {
		row.Total = rowTotal
	}
	row.Collection = money.Zero
	row.Balance = money.Balance(row.Total, row.Collection)
	if row.Err == nil && !(money.InRange(row.Price) && money.InRange(row.LineTotal) && money.InRange(row.Total)) {
		row.Err = fmt.Errorf("amount exceeds %s", money.MaxAmount)
	}
	return row
}

// Request is one import run. Rows is the raw grid, header first. OwnerID is
// both the issuer of every invoice and the owner of customers created here.
type Request struct {
	Rows    [][]string
	OwnerID string
	Wipe    bool
}

type Importer struct {
	repo        store.Repository
	catalog     *catalog.Catalog
	log         logrus.FieldLogger
	chunkWrites int
	now         func() time.Time
	runToken    func() string
}

type Option func(*Importer)

// WithChunkWrites sets how many writes are grouped into one unit of work.
func WithChunkWrites(n int) Option {
	return func(im *Importer) {
		if n > 0 {
			im.chunkWrites = n
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(im *Importer) { im.now = fn }
}

func WithRunToken(fn func() string) Option {
	return func(im *Importer) { im.runToken = fn }
}

// New builds an importer. cat may be nil, in which case products are read
// straight from the store.
func New(repo store.Repository, cat *catalog.Catalog, log logrus.FieldLogger, opts ...Option) *Importer {
	im := &Importer{
		repo:        repo,
		catalog:     cat,
		log:         log,
		chunkWrites: DefaultChunkWrites,
		now:         func() time.Time { return time.Now().UTC() },
		runToken:    xid.RunToken,
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

func (im *Importer) Import(ctx context.Context, req Request) (domain.ImportResult, error) {
	if len(req.Rows) == 0 {
		return domain.ImportResult{}, apperr.Validation("file", "has no rows")
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return domain.ImportResult{}, apperr.Validation("owner_id", "is required")
	}
	owner, err := im.repo.GetUser(ctx, req.OwnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ImportResult{}, apperr.Validation("owner_id", "user %s does not exist", req.OwnerID)
		}
		return domain.ImportResult{}, apperr.Persistence("load import owner", err)
	}

	if req.Wipe {
		if err := im.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.WipeLedger(ctx)
		}); err != nil {
			return domain.ImportResult{}, apperr.Persistence("wipe ledger", err)
		}
		im.log.WithField("owner_id", owner.ID).Warn("ledger wiped before import")
	}

	started := im.now()
	parsed := Parse(req.Rows, started)
	for _, n := range parsed.Skipped {
		im.log.WithField("row", n).Debug("blank import row skipped")
	}

	customers, products, err := im.prefetch(ctx, owner.ID)
	if err != nil {
		return domain.ImportResult{}, apperr.Persistence("prefetch import lookups", err)
	}

	r := &run{
		im:        im,
		ownerID:   owner.ID,
		prefix:    fmt.Sprintf("IMP-%s-%s", started.Format("20060102"), im.runToken()),
		customers: customers,
		products:  products,
		deltas:    map[string]decimal.Decimal{},
	}
	r.result.Skipped = len(parsed.Skipped)

	for _, row := range parsed.Rows {
		if err := ctx.Err(); err != nil {
			// queued rows of the open chunk were never written
			return r.finish(context.WithoutCancel(ctx)), err
		}
		if row.Err != nil {
			r.fail(row.Number, row.Err)
			continue
		}
		invoice, err := r.invoiceFor(ctx, row)
		if err != nil {
			r.fail(row.Number, err)
			continue
		}
		r.queue(row.Number, invoice)
		if r.writes >= im.chunkWrites {
			r.flush(ctx)
		}
	}
	r.flush(ctx)

	result := r.finish(ctx)
	im.log.WithFields(logrus.Fields{
		"owner_id": owner.ID,
		"created":  result.Created,
		"failed":   result.Failed,
		"skipped":  result.Skipped,
		"elapsed":  im.now().Sub(started).String(),
	}).Info("import finished")
	return result, nil
}

// prefetch loads the owner's customers and the product list concurrently.
// Name collisions keep the first record seen.
func (im *Importer) prefetch(ctx context.Context, ownerID string) (map[string]string, map[string]domain.Product, error) {
	var (
		customerList []domain.Customer
		productList  []domain.Product
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		customerList, err = im.repo.ListCustomers(gctx, ownerID)
		return err
	})
	g.Go(func() error {
		if im.catalog != nil {
			snap, err := im.catalog.Snapshot(gctx)
			if err != nil {
				return err
			}
			productList = snap.Products()
			return nil
		}
		var err error
		productList, err = im.repo.ListProducts(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	customers := make(map[string]string, len(customerList))
	for _, c := range customerList {
		if _, seen := customers[c.Name]; !seen {
			customers[c.Name] = c.ID
		}
	}
	products := make(map[string]domain.Product, len(productList))
	for _, p := range productList {
		if _, seen := products[p.Name]; !seen {
			products[p.Name] = p
		}
	}
	return customers, products, nil
}

type pendingRow struct {
	number  int
	invoice domain.Invoice
}

// run is the mutable state of one import call.
type run struct {
	im        *Importer
	ownerID   string
	prefix    string
	seq       int
	customers map[string]string
	products  map[string]domain.Product

	pending []pendingRow
	deltas  map[string]decimal.Decimal
	writes  int

	productsCreated bool
	result          domain.ImportResult
}

func (r *run) invoiceFor(ctx context.Context, row Row) (domain.Invoice, error) {
	customerID, err := r.customer(ctx, row.Customer)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("customer %q: %w", row.Customer, err)
	}
	product, err := r.product(ctx, row)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("product %q: %w", row.Product, err)
	}

	r.seq++
	invoice := domain.Invoice{
		ID:         xid.New("inv"),
		Serial:     fmt.Sprintf("%s-%d", r.prefix, r.seq),
		Date:       row.Date,
		CustomerID: customerID,
		UserID:     r.ownerID,
		Kind:       row.Kind(),
		Total:      money.Normalize(row.Total),
		Collection: money.Normalize(row.Collection),
		Balance:    money.Normalize(row.Balance),
		CreatedAt:  r.im.now(),
	}
	invoice.Items = []domain.InvoiceItem{{
		ID:        xid.New("itm"),
		InvoiceID: invoice.ID,
		ProductID: product.ID,
		Capacity:  row.Size,
		Price:     money.Normalize(row.Price),
		Quantity:  row.Quantity,
		Total:     money.Normalize(row.LineTotal),
	}}
	return invoice, nil
}

// customer resolves a name to an id, creating the customer on first sight.
// Creation commits on its own so a later chunk failure does not orphan the
// cache entry.
func (r *run) customer(ctx context.Context, name string) (string, error) {
	if id, ok := r.customers[name]; ok {
		return id, nil
	}
	var id string
	err := r.im.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.FindCustomerByName(ctx, r.ownerID, name)
		if err == nil {
			id = existing.ID
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		created, err := tx.CreateCustomer(ctx, domain.Customer{
			ID:        xid.New("cus"),
			Name:      name,
			OwnerID:   r.ownerID,
			TotalDebt: money.Zero,
			CreatedAt: r.im.now(),
		})
		if err != nil {
			return err
		}
		id = created.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	r.customers[name] = id
	return id, nil
}

func (r *run) product(ctx context.Context, row Row) (domain.Product, error) {
	if p, ok := r.products[row.Product]; ok {
		return p, nil
	}
	var product domain.Product
	err := r.im.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.FindProductByName(ctx, row.Product)
		if err == nil {
			product = *existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		created, err := tx.CreateProduct(ctx, domain.Product{
			ID:       xid.New("prd"),
			Name:     row.Product,
			Capacity: row.Size,
			Price:    money.Normalize(row.Price),
			StockQty: 0,
		})
		if err != nil {
			return err
		}
		product = *created
		r.productsCreated = true
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	r.products[row.Product] = product
	return product, nil
}

func (r *run) queue(number int, invoice domain.Invoice) {
	r.pending = append(r.pending, pendingRow{number: number, invoice: invoice})
	r.writes++
	delta := ledger.DebtEffect(invoice)
	if delta.IsZero() {
		return
	}
	if current, ok := r.deltas[invoice.CustomerID]; ok {
		r.deltas[invoice.CustomerID] = current.Add(delta)
		return
	}
	r.deltas[invoice.CustomerID] = delta
	r.writes++
}

func (r *run) flush(ctx context.Context) {
	if len(r.pending) == 0 {
		return
	}
	chunk, deltas := r.pending, r.deltas
	r.pending, r.deltas, r.writes = nil, map[string]decimal.Decimal{}, 0

	err := r.im.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, p := range chunk {
			if err := writeRow(ctx, tx, p.invoice); err != nil {
				return fmt.Errorf("row %d: %w", p.number, err)
			}
		}
		ids := make([]string, 0, len(deltas))
		for id := range deltas {
			ids = append(ids, id)
		}
		// a stable order keeps concurrent units from deadlocking on customer rows
		sort.Strings(ids)
		for _, id := range ids {
			if err := ledger.ApplyDebtDelta(ctx, tx, id, deltas[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		r.result.Created += len(chunk)
		return
	}

	r.im.log.WithError(err).WithField("rows", len(chunk)).Warn("import chunk failed, replaying rows one by one")
	for _, p := range chunk {
		err := r.im.repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := writeRow(ctx, tx, p.invoice); err != nil {
				return err
			}
			return ledger.ApplyDebtDelta(ctx, tx, p.invoice.CustomerID, ledger.DebtEffect(p.invoice))
		})
		if err != nil {
			r.fail(p.number, err)
			continue
		}
		r.result.Created++
	}
}

func writeRow(ctx context.Context, tx store.Tx, invoice domain.Invoice) error {
	if err := tx.InsertInvoice(ctx, invoice); err != nil {
		return err
	}
	_, err := ledger.WriteJournal(ctx, tx, invoice)
	return err
}

func (r *run) fail(number int, err error) {
	r.result.Failed++
	r.im.log.WithError(err).WithField("row", number).Warn("import row failed")
	if len(r.result.Errors) < maxReportedErrors {
		r.result.Errors = append(r.result.Errors, domain.ImportRowError{Row: number, Message: err.Error()})
	}
}

func (r *run) finish(ctx context.Context) domain.ImportResult {
	if r.productsCreated && r.im.catalog != nil {
		r.im.catalog.Invalidate(ctx)
	}
	return r.result
}
