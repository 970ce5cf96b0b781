package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"ledgerdesk/backend/internal/apperr"
	"ledgerdesk/backend/internal/catalog"
	"ledgerdesk/backend/internal/domain"
	"ledgerdesk/backend/internal/importer"
	"ledgerdesk/backend/internal/ledger"
	"ledgerdesk/backend/internal/lock"
	"ledgerdesk/backend/internal/logging"
	"ledgerdesk/backend/internal/money"
	"ledgerdesk/backend/internal/store"
	"ledgerdesk/backend/internal/xid"
)

const (
	customerSummaryLimit = 100
	repSummaryLimit      = 50
	defaultAuditLimit    = 100
	defaultOrderLimit    = 100
	defaultImportLockTTL = 10 * time.Minute
	defaultPhoneRegion   = "EG"
	dateLayout           = "2006-01-02"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo          store.Repository
	ledger        *ledger.Ledger
	catalog       *catalog.Catalog
	importer      *importer.Importer
	locker        lock.Locker
	log           logrus.FieldLogger
	importLockTTL time.Duration
	phoneRegion   string
	now           func() time.Time
}

type Option func(*Service)

func WithImportLockTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.importLockTTL = ttl
		}
	}
}

// WithPhoneRegion sets the region used to read phone numbers written
// without a country code.
func WithPhoneRegion(region string) Option {
	return func(s *Service) {
		if region = strings.ToUpper(strings.TrimSpace(region)); region != "" {
			s.phoneRegion = region
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

func New(repo store.Repository, led *ledger.Ledger, cat *catalog.Catalog, imp *importer.Importer, locker lock.Locker, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		ledger:        led,
		catalog:       cat,
		importer:      imp,
		locker:        locker,
		log:           log,
		importLockTTL: defaultImportLockTTL,
		phoneRegion:   defaultPhoneRegion,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, apperr.Forbidden("authentication required")
	}
	if len(roles) > 0 && !actor.HasRole(roles...) {
		return domain.Actor{}, apperr.Forbidden(fmt.Sprintf("%s role required", strings.Join(roles, " or ")))
	}
	return actor, nil
}

func isSupervisor(actor domain.Actor) bool {
	return actor.HasRole(domain.RoleAdmin, domain.RoleManager)
}

// storeErr turns a store sentinel into the matching client-facing error.
func storeErr(op string, entity string, id string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(entity, id)
	case errors.Is(err, store.ErrDuplicateName):
		return apperr.Conflict("%s already exists", entity)
	case errors.Is(err, store.ErrReferenced):
		return apperr.Conflict("%s %s is still referenced", entity, id)
	default:
		return apperr.Persistence(op, err)
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, apperr.Persistence("list products", err)
	}
	return products, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Capacity = strings.TrimSpace(req.Capacity)
	if err := validateStruct(req); err != nil {
		return domain.Product{}, err
	}
	if money.IsNegative(req.Price) {
		return domain.Product{}, apperr.Validation("price", "must be zero or greater")
	}
	if !money.InRange(req.Price) {
		return domain.Product{}, apperr.Validation("price", "must not exceed %s", money.MaxAmount)
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:     req.Name,
		Capacity: req.Capacity,
		Price:    money.Normalize(req.Price),
		StockQty: req.StockQty,
		Notes:    strings.TrimSpace(req.Notes),
		ImageURL: strings.TrimSpace(req.ImageURL),
	})
	if err != nil {
		return domain.Product{}, storeErr("create product", "product", req.Name, err)
	}

	s.catalog.Invalidate(ctx)
	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%s,stock=%d", created.Name, created.Price, created.StockQty))
	return *created, nil
}

func (s *Service) SetProductStock(ctx context.Context, id string, req domain.StockUpdateRequest) (domain.Product, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Product{}, err
	}
	if err := validateStruct(req); err != nil {
		return domain.Product{}, err
	}

	updated, err := s.repo.SetProductStock(ctx, id, *req.StockQty)
	if err != nil {
		return domain.Product{}, storeErr("set product stock", "product", id, err)
	}

	s.catalog.Invalidate(ctx)
	s.logAudit(ctx, "product_stock_set", "product", id, fmt.Sprintf("stock=%d", updated.StockQty))
	return *updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return storeErr("delete product", "product", id, err)
	}

	s.catalog.Invalidate(ctx)
	s.logAudit(ctx, "product_delete", "product", id, "")
	return nil
}

// ListCustomers returns every customer to supervisors and only the owned
// ones to employees.
func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	actor, err := requireRole(ctx)
	if err != nil {
		return nil, err
	}
	ownerID := ""
	if !isSupervisor(actor) {
		ownerID = actor.UserID
	}
	customers, err := s.repo.ListCustomers(ctx, ownerID)
	if err != nil {
		return nil, apperr.Persistence("list customers", err)
	}
	return customers, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager, domain.RoleEmployee)
	if err != nil {
		return domain.Customer{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if err := validateStruct(req); err != nil {
		return domain.Customer{}, err
	}
	phone, err := normalizePhone(req.Phone, s.phoneRegion)
	if err != nil {
		return domain.Customer{}, err
	}

	if req.OwnerID == "" {
		req.OwnerID = actor.UserID
	}
	if req.OwnerID != actor.UserID {
		if !isSupervisor(actor) {
			return domain.Customer{}, apperr.Forbidden("employees can only create their own customers")
		}
		if _, err := s.repo.GetUser(ctx, req.OwnerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Customer{}, apperr.Validation("owner_id", "user %s does not exist", req.OwnerID)
			}
			return domain.Customer{}, apperr.Persistence("load customer owner", err)
		}
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:      req.Name,
		Email:     req.Email,
		Phone:     phone,
		OwnerID:   req.OwnerID,
		TotalDebt: decimal.Zero,
	})
	if err != nil {
		return domain.Customer{}, storeErr("create customer", "customer", req.Name, err)
	}

	s.logAudit(ctx, "customer_create", "customer", created.ID, fmt.Sprintf("name=%s,owner=%s", created.Name, created.OwnerID))
	return *created, nil
}

// loadCustomerFor fetches a customer and checks that actor may see it.
func (s *Service) loadCustomerFor(ctx context.Context, actor domain.Actor, customerID string) (*domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, storeErr("load customer", "customer", customerID, err)
	}
	if !isSupervisor(actor) && customer.OwnerID != actor.UserID {
		return nil, apperr.Forbidden("customer belongs to another representative")
	}
	return customer, nil
}

func toLines(items []domain.InvoiceLineRequest) []ledger.Line {
	lines := make([]ledger.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, ledger.Line{ProductID: strings.TrimSpace(item.ProductID), Quantity: item.Quantity})
	}
	return lines
}

func lineIDs(lines []ledger.Line) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

// PreviewInvoice prices a request against the catalog snapshot without
// writing anything. Stock figures may lag; posting re-checks under lock.
func (s *Service) PreviewInvoice(ctx context.Context, req domain.CreateInvoiceRequest) (domain.InvoicePreview, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager, domain.RoleEmployee); err != nil {
		return domain.InvoicePreview{}, err
	}

	snapshot, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return domain.InvoicePreview{}, apperr.Persistence("load catalog", err)
	}
	lines := toLines(req.Items)
	built, err := ledger.Build(ledger.BuildInput{
		Lines:         lines,
		Collection:    req.Collection,
		SuppliedTotal: req.Total,
		Products:      snapshot.Resolve(lineIDs(lines)),
	})
	if err != nil {
		return domain.InvoicePreview{}, err
	}

	preview := domain.InvoicePreview{
		Lines:      make([]domain.InvoicePreviewLine, 0, len(built.Lines)),
		Total:      built.Total,
		Collection: built.Collection,
		Balance:    built.Balance,
	}
	for _, line := range built.Lines {
		preview.Lines = append(preview.Lines, domain.InvoicePreviewLine{
			ProductID: line.Product.ID,
			Name:      line.Product.Name,
			Capacity:  line.Product.Capacity,
			Price:     line.Price,
			Quantity:  line.Quantity,
			Total:     line.Total,
		})
	}
	return preview, nil
}

func (s *Service) CreateInvoice(ctx context.Context, req domain.CreateInvoiceRequest) (domain.CreateInvoiceResponse, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager, domain.RoleEmployee)
	if err != nil {
		return domain.CreateInvoiceResponse{}, err
	}

	req.Serial = strings.TrimSpace(req.Serial)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if err := validateStruct(req); err != nil {
		return domain.CreateInvoiceResponse{}, err
	}
	if _, err := s.loadCustomerFor(ctx, actor, req.CustomerID); err != nil {
		return domain.CreateInvoiceResponse{}, err
	}

	postReq := ledger.PostRequest{
		Serial:     req.Serial,
		CustomerID: req.CustomerID,
		IssuerID:   actor.UserID,
		Lines:      toLines(req.Items),
		Collection: req.Collection,
		Total:      req.Total,
	}
	if req.Date != nil {
		postReq.Date = req.Date.UTC()
	}

	result, err := s.ledger.Post(ctx, postReq)
	if err != nil {
		return domain.CreateInvoiceResponse{}, err
	}

	if len(result.Invoice.Items) > 0 {
		s.catalog.Invalidate(ctx)
	}
	inv := result.Invoice
	s.logAudit(ctx, "invoice_create", "invoice", inv.ID, fmt.Sprintf("serial=%s,customer=%s,total=%s,collection=%s", inv.Serial, inv.CustomerID, inv.Total, inv.Collection))

	return domain.CreateInvoiceResponse{
		InvoiceID:  inv.ID,
		Serial:     inv.Serial,
		Total:      inv.Total,
		Balance:    inv.Balance,
		Collection: inv.Collection,
	}, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager, domain.RoleEmployee)
	if err != nil {
		return domain.Invoice{}, err
	}
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return domain.Invoice{}, storeErr("load invoice", "invoice", id, err)
	}
	if !isSupervisor(actor) && inv.UserID != actor.UserID {
		if _, err := s.loadCustomerFor(ctx, actor, inv.CustomerID); err != nil {
			return domain.Invoice{}, err
		}
	}
	return *inv, nil
}

func (s *Service) CorrectJournal(ctx context.Context, id string, req domain.JournalPatchRequest) (domain.JournalEntry, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.JournalEntry{}, err
	}
	if req.Collection == nil {
		return domain.JournalEntry{}, apperr.Validation("collection", "is required")
	}

	before, err := s.repo.GetJournalEntry(ctx, id)
	if err != nil {
		return domain.JournalEntry{}, storeErr("load journal entry", "journal entry", id, err)
	}
	updated, err := s.ledger.CorrectCollection(ctx, id, *req.Collection)
	if err != nil {
		return domain.JournalEntry{}, err
	}

	s.logAudit(ctx, "journal_correct", "journal_entry", id, fmt.Sprintf("collection=%s->%s,balance=%s->%s", before.Collection, updated.Collection, before.Balance, updated.Balance))
	return updated, nil
}

// parseRange reads optional YYYY-MM-DD bounds. The upper bound covers the
// whole of its day.
func parseRange(from string, to string) (time.Time, time.Time, error) {
	var start, end time.Time
	if from = strings.TrimSpace(from); from != "" {
		parsed, err := time.Parse(dateLayout, from)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.Validation("from", "must be a YYYY-MM-DD date")
		}
		start = parsed.UTC()
	}
	if to = strings.TrimSpace(to); to != "" {
		parsed, err := time.Parse(dateLayout, to)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.Validation("to", "must be a YYYY-MM-DD date")
		}
		end = parsed.UTC().Add(24*time.Hour - time.Microsecond)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return time.Time{}, time.Time{}, apperr.Validation("to", "must not be before from")
	}
	return start, end, nil
}

func journalTotals(entries []domain.JournalEntry) domain.LedgerTotals {
	totals := domain.LedgerTotals{Count: len(entries), Sales: decimal.Zero, Collections: decimal.Zero, Balances: decimal.Zero}
	for _, e := range entries {
		totals.Sales = totals.Sales.Add(e.Total)
		totals.Collections = totals.Collections.Add(e.Collection)
		totals.Balances = totals.Balances.Add(e.Balance)
	}
	totals.Sales = money.Normalize(totals.Sales)
	totals.Collections = money.Normalize(totals.Collections)
	totals.Balances = money.Normalize(totals.Balances)
	return totals
}

func (s *Service) ListJournal(ctx context.Context, from string, to string) (domain.JournalReport, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager, domain.RoleEmployee); err != nil {
		return domain.JournalReport{}, err
	}
	start, end, err := parseRange(from, to)
	if err != nil {
		return domain.JournalReport{}, err
	}
	entries, err := s.repo.ListJournalEntries(ctx, store.JournalFilter{From: start, To: end})
	if err != nil {
		return domain.JournalReport{}, apperr.Persistence("list journal", err)
	}
	return domain.JournalReport{Entries: entries, Totals: journalTotals(entries)}, nil
}

// CustomerReport is the journal statement of one customer.
func (s *Service) CustomerReport(ctx context.Context, customerID string, from string, to string) (domain.JournalReport, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager, domain.RoleEmployee)
	if err != nil {
		return domain.JournalReport{}, err
	}
	if strings.TrimSpace(customerID) == "" {
		return domain.JournalReport{}, apperr.Validation("customer_id", "is required")
	}
	start, end, err := parseRange(from, to)
	if err != nil {
		return domain.JournalReport{}, err
	}
	customer, err := s.loadCustomerFor(ctx, actor, customerID)
	if err != nil {
		return domain.JournalReport{}, err
	}
	entries, err := s.repo.ListJournalEntries(ctx, store.JournalFilter{CustomerID: customerID, From: start, To: end})
	if err != nil {
		return domain.JournalReport{}, apperr.Persistence("list customer journal", err)
	}
	return domain.JournalReport{Customer: customer, Entries: entries, Totals: journalTotals(entries)}, nil
}

// CustomerSummary lists a customer's most recent invoices. Totals cover the
// whole range, not only the listed page.
func (s *Service) CustomerSummary(ctx context.Context, customerID string, from string, to string) (domain.CustomerSummary, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager, domain.RoleEmployee)
	if err != nil {
		return domain.CustomerSummary{}, err
	}
	start, end, err := parseRange(from, to)
	if err != nil {
		return domain.CustomerSummary{}, err
	}
	customer, err := s.loadCustomerFor(ctx, actor, customerID)
	if err != nil {
		return domain.CustomerSummary{}, err
	}

	filter := store.InvoiceFilter{CustomerID: customerID, From: start, To: end}
	totals, err := s.repo.SummarizeInvoices(ctx, filter)
	if err != nil {
		return domain.CustomerSummary{}, apperr.Persistence("summarize customer invoices", err)
	}
	filter.Limit = customerSummaryLimit
	invoices, err := s.repo.ListInvoices(ctx, filter)
	if err != nil {
		return domain.CustomerSummary{}, apperr.Persistence("list customer invoices", err)
	}
	return domain.CustomerSummary{Customer: *customer, Invoices: invoices, Totals: totals}, nil
}

func (s *Service) RepSummary(ctx context.Context, repID string, from string, to string) (domain.RepSummary, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager, domain.RoleEmployee)
	if err != nil {
		return domain.RepSummary{}, err
	}
	if !isSupervisor(actor) && actor.UserID != repID {
		return domain.RepSummary{}, apperr.Forbidden("representatives can only view their own summary")
	}
	start, end, err := parseRange(from, to)
	if err != nil {
		return domain.RepSummary{}, err
	}
	rep, err := s.repo.GetUser(ctx, repID)
	if err != nil {
		return domain.RepSummary{}, storeErr("load representative", "user", repID, err)
	}

	filter := store.InvoiceFilter{UserID: repID, From: start, To: end}
	totals, err := s.repo.SummarizeInvoices(ctx, filter)
	if err != nil {
		return domain.RepSummary{}, apperr.Persistence("summarize rep invoices", err)
	}
	filter.Limit = repSummaryLimit
	invoices, err := s.repo.ListInvoices(ctx, filter)
	if err != nil {
		return domain.RepSummary{}, apperr.Persistence("list rep invoices", err)
	}
	customers, err := s.repo.ListCustomers(ctx, repID)
	if err != nil {
		return domain.RepSummary{}, apperr.Persistence("list rep customers", err)
	}
	return domain.RepSummary{Rep: rep.Profile(), Invoices: invoices, Totals: totals, Customers: customers}, nil
}

func (s *Service) CheckCustomerDebt(ctx context.Context, customerID string) (domain.DebtCheck, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.DebtCheck{}, err
	}
	check, err := s.ledger.CheckDebt(ctx, customerID)
	if err != nil {
		return domain.DebtCheck{}, err
	}
	if !check.Consistent {
		s.log.WithFields(logrus.Fields{
			"customer_id": customerID,
			"stored":      check.Stored.String(),
			"computed":    check.Computed.String(),
		}).Warn("customer debt drifted from invoices")
	}
	return check, nil
}

type ImportRequest struct {
	Rows    [][]string
	OwnerID string
	Wipe    bool
}

// Import runs a spreadsheet import. Imports for the same owner never
// overlap; a second one is refused while the first holds the lock.
func (s *Service) Import(ctx context.Context, req ImportRequest) (domain.ImportResult, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager)
	if err != nil {
		return domain.ImportResult{}, err
	}
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		ownerID = actor.UserID
	}
	if req.Wipe && !actor.HasRole(domain.RoleAdmin) {
		return domain.ImportResult{}, apperr.Forbidden("ADMIN role required to wipe the ledger")
	}

	lease, err := s.locker.Obtain(ctx, lock.ImportKey(ownerID), s.importLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			return domain.ImportResult{}, apperr.Conflict("an import for owner %s is already running", ownerID)
		}
		return domain.ImportResult{}, apperr.Persistence("obtain import lock", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logging.LogError(s.log, "service", "Import", "release import lock", ownerID, err)
		}
	}()

	result, err := s.importer.Import(ctx, importer.Request{Rows: req.Rows, OwnerID: ownerID, Wipe: req.Wipe})
	if err != nil && result.Created == 0 && result.Failed == 0 {
		return domain.ImportResult{}, err
	}

	s.logAudit(context.WithoutCancel(ctx), "ledger_import", "import", ownerID, fmt.Sprintf("created=%d,failed=%d,skipped=%d,wipe=%t", result.Created, result.Failed, result.Skipped, req.Wipe))
	return result, err
}

// CreatePurchaseRequest records a storefront order. Nothing is reserved;
// prices are captured as they stand in the catalog.
func (s *Service) CreatePurchaseRequest(ctx context.Context, req domain.PurchaseRequestCreate) (domain.PurchaseRequest, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Note = strings.TrimSpace(req.Note)
	if err := validateStruct(req); err != nil {
		return domain.PurchaseRequest{}, err
	}
	phone, err := normalizePhone(req.Phone, s.phoneRegion)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}

	snapshot, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return domain.PurchaseRequest{}, apperr.Persistence("load catalog", err)
	}
	lines := toLines(req.Items)
	products := snapshot.Resolve(lineIDs(lines))
	if err := ledger.CheckAvailability(lines, products); err != nil {
		return domain.PurchaseRequest{}, err
	}

	requester, err := s.ensureRequester(ctx, req.Name, req.Email)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}

	pr := domain.PurchaseRequest{
		ID:          xid.New("preq"),
		RequesterID: requester.ID,
		Note:        req.Note,
		Items:       make([]domain.PurchaseRequestItem, 0, len(lines)),
		CreatedAt:   s.now(),
	}
	if phone != "" {
		pr.Note = strings.TrimSpace(fmt.Sprintf("%s\nphone: %s", pr.Note, phone))
	}
	for _, line := range lines {
		pr.Items = append(pr.Items, domain.PurchaseRequestItem{
			ID:             xid.New("pri"),
			ProductID:      line.ProductID,
			Quantity:       line.Quantity,
			PriceAtRequest: products[line.ProductID].Price,
		})
	}

	created, err := s.repo.CreatePurchaseRequest(ctx, pr)
	if err != nil {
		return domain.PurchaseRequest{}, apperr.Persistence("create purchase request", err)
	}

	s.logAudit(WithActor(ctx, domain.Actor{UserID: requester.ID, Username: requester.Username, Role: requester.Role}), "purchase_request_create", "purchase_request", created.ID, fmt.Sprintf("items=%d", len(created.Items)))
	return *created, nil
}

// ensureRequester finds the storefront user by email or registers one. The
// account gets an unusable password; requesters never log in.
func (s *Service) ensureRequester(ctx context.Context, name string, email string) (domain.UserAccount, error) {
	existing, err := s.repo.FindUserByEmail(ctx, email)
	if err == nil {
		return *existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.UserAccount{}, apperr.Persistence("find requester", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(xid.New("pw")), bcrypt.DefaultCost)
	if err != nil {
		return domain.UserAccount{}, apperr.Persistence("hash requester password", err)
	}
	user := domain.UserAccount{
		ID:        xid.New("usr"),
		Username:  email,
		Password:  string(hash),
		Name:      name,
		Email:     email,
		Role:      domain.RoleRequester,
		Active:    true,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return domain.UserAccount{}, storeErr("create requester", "user", email, err)
	}
	return user, nil
}

func (s *Service) ListPurchaseRequests(ctx context.Context, limit int) ([]domain.PurchaseRequest, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RoleManager); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = defaultOrderLimit
	}
	requests, err := s.repo.ListPurchaseRequests(ctx, limit)
	if err != nil {
		return nil, apperr.Persistence("list purchase requests", err)
	}
	return requests, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = defaultAuditLimit
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse(dateLayout, date)
		if err != nil {
			return nil, apperr.Validation("date", "must be a YYYY-MM-DD date")
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	logs, err := s.repo.ListAuditLogs(ctx, from, to, limit)
	if err != nil {
		return nil, apperr.Persistence("list audit logs", err)
	}
	return logs, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUserID:   actor.UserID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.log.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}
