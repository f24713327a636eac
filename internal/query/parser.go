// Package query turns list-orders HTTP parameters into a validated
// repository.OrderQuery. Unknown filter, sort, or include names are
// rejected here with INVALID_QUERY; a store never sees them.
package query

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"wo-foreman.io/foreman/internal/domain"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/repository"
)

var validOrderStates = map[domain.OrderState]bool{
	domain.OrderQueued:       true,
	domain.OrderCheckedOut:   true,
	domain.OrderInProgress:   true,
	domain.OrderSubmitted:    true,
	domain.OrderApproved:     true,
	domain.OrderApplied:      true,
	domain.OrderRejected:     true,
	domain.OrderFailed:       true,
	domain.OrderCompleted:    true,
	domain.OrderDeadLettered: true,
}

var validItemStates = map[domain.ItemState]bool{
	domain.ItemQueued:       true,
	domain.ItemLeased:       true,
	domain.ItemInProgress:   true,
	domain.ItemSubmitted:    true,
	domain.ItemAccepted:     true,
	domain.ItemRejected:     true,
	domain.ItemCompleted:    true,
	domain.ItemFailed:       true,
	domain.ItemDeadLettered: true,
}

var validSortFields = map[repository.SortField]bool{
	repository.SortPriority:           true,
	repository.SortCreatedAt:          true,
	repository.SortLastTransitionedAt: true,
	repository.SortAppliedAt:          true,
	repository.SortCompletedAt:        true,
	repository.SortItemsCount:         true,
}

var validOps = map[repository.Op]bool{
	repository.OpEq:  true,
	repository.OpGt:  true,
	repository.OpGte: true,
	repository.OpLt:  true,
	repository.OpLte: true,
}

// Parse validates raw query parameters into an OrderQuery.
func Parse(values url.Values) (repository.OrderQuery, error) {
	var q repository.OrderQuery

	for name, raw := range values {
		if len(raw) == 0 {
			continue
		}
		value := raw[0]

		if meta, ok := strings.CutPrefix(name, "meta."); ok {
			if meta == "" {
				return q, invalid("meta filter needs a key", name, value)
			}
			if q.MetaContains == nil {
				q.MetaContains = make(map[string]interface{})
			}
			q.MetaContains[meta] = metaValue(value)
			continue
		}

		var err error
		switch name {
		case "state":
			err = parseStates(&q, raw)
		case "type":
			for _, v := range raw {
				q.Types = append(q.Types, splitList(v)...)
			}
		case "priority":
			q.Priority, err = parseIntFilter(value)
		case "requested_by_type":
			err = parseActorType(&q, value)
		case "created_at":
			q.CreatedAt, err = parseTimeFilter(value)
		case "item_state":
			state := domain.ItemState(value)
			if !validItemStates[state] {
				err = invalid("unknown item state", name, value)
				break
			}
			q.ItemState = state
		case "has_available_items":
			q.HasAvailableItems, err = parseBool(name, value)
		case "sort":
			q.Sorts, err = parseSorts(value)
		case "page":
			q.Page, err = parsePositiveInt(name, value)
		case "page_size":
			q.PageSize, err = parsePositiveInt(name, value)
		case "include":
			err = parseIncludes(&q, value)
		case "events_limit":
			q.EventsLimit, err = parsePositiveInt(name, value)
		default:
			err = invalid("unknown query parameter", name, value)
		}
		if err != nil {
			return repository.OrderQuery{}, err
		}
	}

	q.Normalize()
	return q, nil
}

func parseStates(q *repository.OrderQuery, raw []string) error {
	for _, v := range raw {
		for _, s := range splitList(v) {
			state := domain.OrderState(s)
			if !validOrderStates[state] {
				return invalid("unknown order state", "state", s)
			}
			q.States = append(q.States, state)
		}
	}
	return nil
}

func parseActorType(q *repository.OrderQuery, value string) error {
	switch at := domain.ActorType(value); at {
	case domain.ActorUser, domain.ActorAgent, domain.ActorSystem:
		q.RequestedByType = at
		return nil
	default:
		return invalid("unknown actor type", "requested_by_type", value)
	}
}

// parseIntFilter accepts "5" or "op:5" with op in eq/gt/gte/lt/lte.
func parseIntFilter(value string) (*repository.IntFilter, error) {
	op, operand := splitOp(value)
	if !validOps[op] {
		return nil, invalid("unknown comparison operator", "priority", value)
	}
	n, err := strconv.Atoi(operand)
	if err != nil {
		return nil, invalid("priority must be an integer", "priority", value)
	}
	return &repository.IntFilter{Op: op, Value: n}, nil
}

// parseTimeFilter accepts "op:RFC3339".
func parseTimeFilter(value string) (*repository.TimeFilter, error) {
	op, operand := splitOp(value)
	if !validOps[op] {
		return nil, invalid("unknown comparison operator", "created_at", value)
	}
	ts, err := time.Parse(time.RFC3339, operand)
	if err != nil {
		return nil, invalid("created_at must be an RFC 3339 timestamp", "created_at", value)
	}
	return &repository.TimeFilter{Op: op, Value: ts}, nil
}

// parseSorts accepts a comma list of fields, "-" prefix for descending.
func parseSorts(value string) ([]repository.Sort, error) {
	var sorts []repository.Sort
	for _, term := range splitList(value) {
		desc := false
		if rest, ok := strings.CutPrefix(term, "-"); ok {
			desc = true
			term = rest
		}
		field := repository.SortField(term)
		if !validSortFields[field] {
			return nil, invalid("unknown sort field", "sort", term)
		}
		sorts = append(sorts, repository.Sort{Field: field, Desc: desc})
	}
	return sorts, nil
}

func parseIncludes(q *repository.OrderQuery, value string) error {
	for _, inc := range splitList(value) {
		switch inc {
		case "items":
			q.IncludeItems = true
		case "events":
			q.IncludeEvents = true
		case "items_count":
			q.IncludeItemsCount = true
		default:
			return invalid("unknown include", "include", inc)
		}
	}
	return nil
}

func parseBool(name, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, invalid("expected a boolean", name, value)
	}
	return b, nil
}

func parsePositiveInt(name, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 0, invalid("expected a positive integer", name, value)
	}
	return n, nil
}

func splitOp(value string) (repository.Op, string) {
	if op, operand, ok := strings.Cut(value, ":"); ok {
		return repository.Op(op), operand
	}
	return repository.OpEq, value
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// metaValue keeps numeric and boolean meta predicates typed so the
// jsonb containment check matches what proposers stored.
func metaValue(value string) interface{} {
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}

func invalid(message, param, value string) error {
	return apperrors.InvalidQuery(message, map[string]interface{}{
		"param": param,
		"value": value,
	})
}
