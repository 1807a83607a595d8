package kds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitchen-sync/pkg/models"
)

var viewNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func viewOrder(status models.OrderStatus, age time.Duration) models.Order {
	return models.Order{
		ID:         "o-1",
		BusinessID: "biz-1",
		Status:     status,
		CreatedAt:  viewNow.Add(-age),
		UpdatedAt:  viewNow.Add(-age),
	}
}

func viewItem(id string, status models.OrderStatus) models.OrderItem {
	return models.OrderItem{
		ID:       id,
		OrderID:  "o-1",
		Quantity: 1,
		Status:   status,
	}
}

func TestCanonicalStatusReadiness(t *testing.T) {
	tests := []struct {
		name  string
		order models.OrderStatus
		items []models.OrderStatus
		want  models.OrderStatus
	}{
		{"all items done", models.StatusInProgress, []models.OrderStatus{models.StatusReady, models.StatusCompleted}, models.StatusReady},
		{"one item active", models.StatusNew, []models.OrderStatus{models.StatusNew, models.StatusInProgress}, models.StatusInProgress},
		{"prep started counts as active", models.StatusNew, []models.OrderStatus{models.StatusPrepStarted}, models.StatusInProgress},
		{"nothing started", models.StatusNew, []models.OrderStatus{models.StatusNew, models.StatusNew}, models.StatusNew},
		{"pending preserved", models.StatusPending, []models.OrderStatus{models.StatusNew}, models.StatusPending},
		{"terminal passthrough", models.StatusCompleted, []models.OrderStatus{models.StatusNew}, models.StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := make([]models.OrderItem, len(tt.items))
			for i, s := range tt.items {
				items[i] = viewItem(string(rune('a'+i)), s)
			}
			view := ComputeOrderView(viewOrder(tt.order, time.Hour), items, nil, viewNow, nil)
			assert.Equal(t, tt.want, view.CanonicalStatus)
		})
	}
}

func TestHeldItemsDoNotBlockReadiness(t *testing.T) {
	items := []models.OrderItem{
		viewItem("i-1", models.StatusReady),
		viewItem("i-2", models.StatusReady),
		viewItem("i-3", models.StatusHeld),
	}
	view := ComputeOrderView(viewOrder(models.StatusInProgress, time.Hour), items, nil, viewNow, nil)

	assert.Equal(t, models.StatusReady, view.CanonicalStatus)
	assert.False(t, view.Excluded)

	// The held item ends up on its own delayed card, not the stage card.
	require.Len(t, view.Cards, 2)
	assert.Equal(t, "o-1", view.Cards[0].ID)
	assert.Equal(t, GroupReady, view.Cards[0].Group)
	assert.Len(t, view.Cards[0].Items, 2)

	delayed := view.Cards[1]
	assert.Equal(t, "o-1-delayed", delayed.ID)
	assert.Equal(t, GroupDelayed, delayed.Group)
	require.Len(t, delayed.Items, 1)
	assert.Equal(t, "i-3", delayed.Items[0].ID)
}

func TestOnlyHeldItemsKeepsOrderParked(t *testing.T) {
	items := []models.OrderItem{viewItem("i-1", models.StatusHeld)}
	view := ComputeOrderView(viewOrder(models.StatusInProgress, time.Hour), items, nil, viewNow, nil)

	assert.Equal(t, models.StatusInProgress, view.CanonicalStatus)
	require.Len(t, view.Cards, 1)
	assert.Equal(t, GroupDelayed, view.Cards[0].Group)
}

func TestCourseStagesSplitIntoCards(t *testing.T) {
	starter := viewItem("i-1", models.StatusReady)
	starter.CourseStage = 1
	main := viewItem("i-2", models.StatusNew)
	main.CourseStage = 2
	view := ComputeOrderView(viewOrder(models.StatusInProgress, time.Hour),
		[]models.OrderItem{starter, main}, nil, viewNow, nil)

	require.Len(t, view.Cards, 2)
	assert.Equal(t, "o-1", view.Cards[0].ID)
	assert.Equal(t, 1, view.Cards[0].Stage)
	assert.Equal(t, GroupReady, view.Cards[0].Group)

	assert.Equal(t, "o-1-stage-2", view.Cards[1].ID)
	assert.Equal(t, 2, view.Cards[1].Stage)
	assert.Equal(t, GroupNew, view.Cards[1].Group)
}

func TestZeroStageTreatedAsStageOne(t *testing.T) {
	a := viewItem("i-1", models.StatusNew)
	a.CourseStage = 0
	b := viewItem("i-2", models.StatusNew)
	b.CourseStage = 1
	view := ComputeOrderView(viewOrder(models.StatusNew, time.Hour),
		[]models.OrderItem{a, b}, nil, viewNow, nil)

	require.Len(t, view.Cards, 1)
	assert.Len(t, view.Cards[0].Items, 2)
}

func TestStaleActiveOrdersExcluded(t *testing.T) {
	assert.True(t, IsStaleActive(viewOrder(models.StatusInProgress, 4*time.Hour), viewNow))
	assert.False(t, IsStaleActive(viewOrder(models.StatusInProgress, 2*time.Hour), viewNow))
	// The staleness rule only applies to active statuses.
	assert.False(t, IsStaleActive(viewOrder(models.StatusCompleted, 4*time.Hour), viewNow))
	assert.False(t, IsStaleActive(viewOrder(models.StatusCancelled, 4*time.Hour), viewNow))

	items := []models.OrderItem{viewItem("i-1", models.StatusInProgress)}
	view := ComputeOrderView(viewOrder(models.StatusInProgress, 4*time.Hour), items, nil, viewNow, nil)
	assert.True(t, view.Excluded)
	// The stored status is untouched; only the display hides it.
	assert.Equal(t, models.StatusInProgress, view.CanonicalStatus)
}

func TestMalformedItemsDegradeWithoutPanic(t *testing.T) {
	items := []models.OrderItem{
		viewItem("i-1", models.StatusReady),
		{ID: "", OrderID: "o-1", Quantity: 1, Status: models.StatusNew},
		{ID: "i-3", OrderID: "o-1", Quantity: 0, Status: models.StatusNew},
	}
	view := ComputeOrderView(viewOrder(models.StatusInProgress, time.Hour), items, nil, viewNow, nil)

	// Only the well-formed item counts: the order reads as ready.
	assert.Equal(t, models.StatusReady, view.CanonicalStatus)
	require.Len(t, view.Cards, 1)
	assert.Len(t, view.Cards[0].Items, 1)
}

func TestCancelledAndEmptyOrdersExcluded(t *testing.T) {
	view := ComputeOrderView(viewOrder(models.StatusCancelled, time.Hour),
		[]models.OrderItem{viewItem("i-1", models.StatusNew)}, nil, viewNow, nil)
	assert.True(t, view.Excluded)

	view = ComputeOrderView(viewOrder(models.StatusNew, time.Hour),
		[]models.OrderItem{viewItem("i-1", models.StatusCancelled)}, nil, viewNow, nil)
	assert.True(t, view.Excluded)
}

func TestRouting(t *testing.T) {
	menu := map[string]models.MenuItem{
		"made":        {ID: "made", Routing: models.MadeToOrder},
		"never":       {ID: "never", Routing: models.NeverShow, PrepRequired: true},
		"conditional": {ID: "conditional", Routing: models.Conditional},
		"gng-prep":    {ID: "gng-prep", Routing: models.GrabAndGo, PrepRequired: true},
		"gng-shelf":   {ID: "gng-shelf", Routing: models.GrabAndGo},
	}

	tests := []struct {
		name       string
		menuItemID string
		override   bool
		want       bool
	}{
		{"made to order always shows", "made", false, true},
		{"never show always hides", "never", false, false},
		{"conditional hidden by default", "conditional", false, false},
		{"conditional shown with override", "conditional", true, true},
		{"grab and go with prep shows", "gng-prep", false, true},
		{"grab and go off the shelf hides", "gng-shelf", false, false},
		{"unknown menu item defaults to shown", "mystery", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := viewItem("i-1", models.StatusNew)
			it.MenuItemID = tt.menuItemID
			it.KDSOverride = tt.override
			assert.Equal(t, tt.want, routeToDisplay(it, menu))
		})
	}
}

func TestRoutingFiltersCards(t *testing.T) {
	menu := map[string]models.MenuItem{
		"never": {ID: "never", Routing: models.NeverShow},
	}
	hidden := viewItem("i-1", models.StatusNew)
	hidden.MenuItemID = "never"
	view := ComputeOrderView(viewOrder(models.StatusNew, time.Hour),
		[]models.OrderItem{hidden}, menu, viewNow, nil)

	// All items routed away leaves nothing to display.
	assert.True(t, view.Excluded)
	assert.Empty(t, view.Cards)
}

func TestCardItemsFallBackToMenuData(t *testing.T) {
	menu := map[string]models.MenuItem{
		"m-1": {ID: "m-1", Name: "Latte", Price: 4.5, Category: "drinks", Routing: models.MadeToOrder},
	}
	it := viewItem("i-1", models.StatusNew)
	it.MenuItemID = "m-1"
	view := ComputeOrderView(viewOrder(models.StatusNew, time.Hour),
		[]models.OrderItem{it}, menu, viewNow, nil)

	require.Len(t, view.Cards, 1)
	require.Len(t, view.Cards[0].Items, 1)
	ci := view.Cards[0].Items[0]
	assert.Equal(t, "Latte", ci.Name)
	assert.Equal(t, 4.5, ci.Price)
	assert.Equal(t, "drinks", ci.Category)
}

func TestBuildBoardSplitsByGroup(t *testing.T) {
	readyOrder := viewOrder(models.StatusInProgress, time.Hour)
	readyView := ComputeOrderView(readyOrder,
		[]models.OrderItem{viewItem("i-1", models.StatusReady)}, nil, viewNow, nil)

	working := viewOrder(models.StatusNew, time.Hour)
	working.ID = "o-2"
	newItem := viewItem("i-2", models.StatusNew)
	newItem.OrderID = "o-2"
	workingView := ComputeOrderView(working,
		[]models.OrderItem{newItem}, nil, viewNow, nil)

	excluded := OrderView{OrderID: "o-3", Excluded: true, Cards: []Card{{ID: "o-3"}}}

	board := BuildBoard([]OrderView{readyView, workingView, excluded})
	require.Len(t, board.Completed, 1)
	assert.Equal(t, "o-1", board.Completed[0].ID)
	require.Len(t, board.Current, 1)
	assert.Equal(t, "o-2", board.Current[0].ID)
}
