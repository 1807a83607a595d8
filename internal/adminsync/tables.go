package adminsync

// Table describes one synced table. Priority orders the copy so core
// reference tables land before the transactional tables that reference
// them. ConflictKey is the upsert key; join tables use a composite key.
type Table struct {
	Name        string
	Priority    int
	ConflictKey []string
	// RecentDays limits high-churn tables to a recent window instead of
	// a full copy. Zero copies everything.
	RecentDays int
	// DropForDocker / DropForCloud name columns that exist on one
	// instance but not the other (schema drift between the hosted and
	// on-prem databases); they are stripped before upserting.
	DropForDocker []string
	DropForCloud  []string
}

func (t Table) Key() []string {
	if len(t.ConflictKey) == 0 {
		return []string{"id"}
	}
	return t.ConflictKey
}

// Plan is the full bidirectional sync plan.
var Plan = []Table{
	{Name: "businesses", Priority: 1},
	{Name: "employees", Priority: 1},
	{Name: "item_category", Priority: 2},
	{Name: "menu_items", Priority: 2, DropForDocker: []string{"embedding"}},
	{Name: "optiongroups", Priority: 2},
	{Name: "optionvalues", Priority: 2},
	{Name: "menuitemoptions", Priority: 2, ConflictKey: []string{"menu_item_id", "option_group_id"}},
	{Name: "customers", Priority: 3},
	{Name: "loyalty_cards", Priority: 3},
	{Name: "loyalty_transactions", Priority: 3, RecentDays: 3},
	{Name: "orders", Priority: 4, RecentDays: 7},
	{Name: "order_items", Priority: 4, RecentDays: 7},
}

// ByName returns the plan entry for a table; the second result guards
// against arbitrary table names reaching SQL.
func ByName(name string) (Table, bool) {
	for _, t := range Plan {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// dropSet returns the column drop list for the given target instance.
func (t Table) dropSet(target string) map[string]bool {
	var cols []string
	if target == targetDocker {
		cols = t.DropForDocker
	} else {
		cols = t.DropForCloud
	}
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		set[c] = true
	}
	return set
}
