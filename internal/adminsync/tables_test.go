package adminsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByNameGuardsUnknownTables(t *testing.T) {
	table, ok := ByName("orders")
	require.True(t, ok)
	assert.Equal(t, "orders", table.Name)

	_, ok = ByName("pg_catalog; DROP TABLE orders")
	assert.False(t, ok)
}

func TestKeyDefaultsToID(t *testing.T) {
	assert.Equal(t, []string{"id"}, Table{Name: "businesses"}.Key())

	join, ok := ByName("menuitemoptions")
	require.True(t, ok)
	assert.Equal(t, []string{"menu_item_id", "option_group_id"}, join.Key())
}

func TestDropSetPerTarget(t *testing.T) {
	table := Table{
		Name:          "menu_items",
		DropForDocker: []string{"embedding"},
		DropForCloud:  []string{"local_only"},
	}

	assert.Equal(t, map[string]bool{"embedding": true}, table.dropSet(targetDocker))
	assert.Equal(t, map[string]bool{"local_only": true}, table.dropSet(targetCloud))
	assert.Empty(t, Table{Name: "businesses"}.dropSet(targetDocker))
}

func TestPlanOrdersReferenceTablesFirst(t *testing.T) {
	priority := map[string]int{}
	for _, table := range Plan {
		priority[table.Name] = table.Priority
	}

	// Transactional tables must land after the reference rows they point
	// at, or the upserts trip foreign keys.
	assert.Less(t, priority["businesses"], priority["menu_items"])
	assert.Less(t, priority["menu_items"], priority["customers"])
	assert.Less(t, priority["customers"], priority["orders"])
	assert.Equal(t, priority["orders"], priority["order_items"])
}

func TestHighChurnTablesAreWindowed(t *testing.T) {
	orders, ok := ByName("orders")
	require.True(t, ok)
	assert.Equal(t, 7, orders.RecentDays)

	businesses, ok := ByName("businesses")
	require.True(t, ok)
	assert.Zero(t, businesses.RecentDays)
}
