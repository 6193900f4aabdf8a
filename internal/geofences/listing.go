package geofences

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// OrderBy is a sortable listing column.
type OrderBy string

const (
	OrderByExternalID  OrderBy = "externalid"
	OrderByShape       OrderBy = "shape"
	OrderByEnabled     OrderBy = "enabled"
	OrderByCreatedDate OrderBy = "createddate"
	OrderByUpdatedDate OrderBy = "updateddate"
)

type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// Listing defaults.
const (
	DefaultPageCount = 100
	MaxSearchLength  = 128
)

var (
	orderByOptions = []OrderBy{OrderByExternalID, OrderByShape, OrderByEnabled, OrderByCreatedDate, OrderByUpdatedDate}

	searchPattern = regexp.MustCompile(`^[A-Za-z0-9\-]{1,128}$`)
)

// ParseOrderBy accepts the column names case-insensitively ("createdDate",
// "CREATEDDATE", ...). Empty selects createdDate.
func ParseOrderBy(s string) (OrderBy, error) {
	if strings.TrimSpace(s) == "" {
		return OrderByCreatedDate, nil
	}
	folded := foldCase(strings.TrimSpace(s))
	for _, o := range orderByOptions {
		if folded == string(o) {
			return o, nil
		}
	}
	return "", invalid("orderBy must be one of externalId, shape, enabled, createdDate, updatedDate")
}

// ParseSortOrder accepts asc/desc case-insensitively. Empty selects desc.
func ParseSortOrder(s string) (SortOrder, error) {
	switch SortOrder(foldCase(strings.TrimSpace(s))) {
	case "":
		return SortDescending, nil
	case SortAscending:
		return SortAscending, nil
	case SortDescending:
		return SortDescending, nil
	}
	return "", invalid("sortOrder must be one of asc, desc")
}

// foldCase builds a fresh Caser per call; Casers carry state and are not
// safe to share between goroutines.
func foldCase(s string) string {
	return cases.Fold().String(s)
}

// column is the SQL ordering expression. Rows never updated sort by their
// creation time.
func (o OrderBy) column() string {
	switch o {
	case OrderByExternalID:
		return "external_id"
	case OrderByShape:
		return "shape"
	case OrderByEnabled:
		return "enabled"
	case OrderByUpdatedDate:
		return "COALESCE(updated_date, created_date)"
	default:
		return "created_date"
	}
}

// ListQuery selects one page of a project's geofences.
type ListQuery struct {
	TenantID  string
	ProjectID uuid.UUID
	// Search filters by externalId prefix.
	Search    string
	OrderBy   OrderBy
	Sort      SortOrder
	Page      int
	PageCount int
}

// OrderClauses returns the ORDER BY terms: the requested key, then
// createdDate descending as the tie breaker unless it is the key itself.
func (q ListQuery) OrderClauses() []string {
	dir := "DESC"
	if q.Sort == SortAscending {
		dir = "ASC"
	}
	out := []string{q.OrderBy.column() + " " + dir}
	if q.OrderBy != OrderByCreatedDate {
		out = append(out, "created_date DESC")
	}
	// id makes pages stable when timestamps collide.
	out = append(out, "id ASC")
	return out
}

func (q ListQuery) validate(maxPageCount int) error {
	verr := &ValidationError{}
	if q.Page < 0 {
		verr.add("page must be greater than or equal to 0")
	}
	if q.PageCount < 1 || q.PageCount > maxPageCount {
		verr.add("pageCount must be between 1 and %d", maxPageCount)
	}
	if q.Search != "" && !searchPattern.MatchString(q.Search) {
		verr.add("search must be at most %d letters, digits or dashes", MaxSearchLength)
	}
	return verr.orNil()
}
