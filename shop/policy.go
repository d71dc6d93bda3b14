package shop

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Authorizer decides whether an actor may perform administrative operations.
type Authorizer interface {
	Authorize(ctx context.Context, actor string) error
}

// AllowList authorizes a fixed set of identities, case-insensitively.
// An empty list authorizes nobody.
type AllowList struct {
	ids map[string]struct{}
}

var listSeparators = regexp.MustCompile(`[,\s]+`)

// ParseAllowList splits raw on commas and whitespace.
func ParseAllowList(raw string) AllowList {
	return NewAllowList(listSeparators.Split(raw, -1)...)
}

func NewAllowList(identities ...string) AllowList {
	ids := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		id = strings.ToLower(NormalizeIdentity(id))
		if id != "" {
			ids[id] = struct{}{}
		}
	}
	return AllowList{ids: ids}
}

func (a AllowList) Allowed(actor string) bool {
	_, ok := a.ids[strings.ToLower(NormalizeIdentity(actor))]
	return ok
}

func (a AllowList) Authorize(_ context.Context, actor string) error {
	if a.Allowed(actor) {
		return nil
	}
	return fmt.Errorf("%w: %q is not an administrator", ErrForbidden, actor)
}

func (a AllowList) Len() int { return len(a.ids) }

// Identities returns the sorted allowed identities.
func (a AllowList) Identities() []string {
	out := make([]string, 0, len(a.ids))
	for id := range a.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
