package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/spec"
)

func stackFixture() spec.Stack {
	return spec.Stack{Services: []spec.ServiceSpec{
		{Name: "proxy", Role: spec.RoleProxy, Deps: []string{"app"}},
		{Name: "app", Role: spec.RoleApp, Deps: []string{"database"}},
		{Name: "database", Role: spec.RoleDatabase},
	}}
}

func TestStartOrder(t *testing.T) {
	order, err := StartOrder(stackFixture())
	require.NoError(t, err)
	assert.Equal(t, []string{"database", "app", "proxy"}, order)
}

func TestStopOrderIsReversed(t *testing.T) {
	order, err := StopOrder(stackFixture())
	require.NoError(t, err)
	assert.Equal(t, []string{"proxy", "app", "database"}, order)
}

func TestStartOrderCycle(t *testing.T) {
	s := spec.Stack{Services: []spec.ServiceSpec{
		{Name: "a", Deps: []string{"b"}},
		{Name: "b", Deps: []string{"a"}},
	}}
	_, err := StartOrder(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestStartOrderLayersAreSorted(t *testing.T) {
	// Two independent roots plus a shared dependent: roots come out in
	// name order inside the layer.
	s := spec.Stack{Services: []spec.ServiceSpec{
		{Name: "zeta"},
		{Name: "alpha"},
		{Name: "worker", Deps: []string{"alpha", "zeta"}},
	}}
	order, err := StartOrder(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta", "worker"}, order)
}
