package store

// Entity names a logical record type independent of where it is stored.
type Entity string

const (
	EntityOrder      Entity = "order"
	EntityResult     Entity = "result"
	EntityResultRow  Entity = "result_row"
	EntityComment    Entity = "comment"
	EntityInstrument Entity = "instrument"
	EntityReagent    Entity = "reagent"
	EntityTemplate   Entity = "template"
	EntityActor      Entity = "actor"
)

// Layout maps logical entities onto the physical collections that may hold
// them. Legacy deployments wrote the same entity under several names, so
// each entity carries an ordered list of variants; the first is canonical.
type Layout struct {
	Collections map[Entity][]string

	// OwnerCollection is the collection whose records own nested order
	// sub-collections, and NestedOrders the child collection name.
	OwnerCollection string
	NestedOrders    string
}

// DefaultLayout returns the collection table used by the laboratory data
// store.
func DefaultLayout() Layout {
	return Layout{
		Collections: map[Entity][]string{
			EntityOrder:      {"test_orders", "test_order"},
			EntityResult:     {"test_results"},
			EntityResultRow:  {"test_result_rows"},
			EntityComment:    {"comments", "test_result_comment", "test_result_comments"},
			EntityInstrument: {"instruments"},
			EntityReagent:    {"reagents"},
			EntityTemplate:   {"cbc_parameters"},
			EntityActor:      {"user"},
		},
		OwnerCollection: "user",
		NestedOrders:    "test_orders",
	}
}

// Variants returns every collection that may hold e. The slice is a copy.
func (l Layout) Variants(e Entity) []string {
	v := l.Collections[e]
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// Primary returns the canonical collection for e, or "" if unmapped.
func (l Layout) Primary(e Entity) string {
	if v := l.Collections[e]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// OwnerOrders returns the nested order collection path for an owner.
func (l Layout) OwnerOrders(ownerID string) string {
	return Nested(l.OwnerCollection, ownerID, l.NestedOrders)
}
