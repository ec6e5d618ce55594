package accumulate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyShape(t *testing.T) {
	cases := []struct {
		content string
		want    Shape
	}{
		{"hi", ShapeGreetingOnly},
		{"Hello!", ShapeGreetingOnly},
		{"good morning", ShapeGreetingOnly},
		{"I need help with,", ShapeFragment},
		{"the thing is -", ShapeFragment},
		{"wait...", ShapeFragment},
		{"order #", ShapeIncompleteEntity},
		{"my ticket no.", ShapeIncompleteEntity},
		{"invoice number", ShapeIncompleteEntity},
		{"my order", ShapePossiblyIncomplete},
		{"refund 42", ShapePossiblyIncomplete},
		{"", ShapePossiblyIncomplete},
		{"Please cancel order 42.", ShapeLikelyComplete},
		{"where is my package right now", ShapeLikelyComplete},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyShape(tc.content), "content %q", tc.content)
	}
}

func TestHasExplicitCompletion(t *testing.T) {
	require.True(t, HasExplicitCompletion("Cancel the order."))
	require.True(t, HasExplicitCompletion("can you help?"))
	require.True(t, HasExplicitCompletion("do it now!"))
	require.True(t, HasExplicitCompletion("cancel my order please"))
	require.True(t, HasExplicitCompletion("send the refund, thanks"))
	require.True(t, HasExplicitCompletion("Thank you"))
	require.False(t, HasExplicitCompletion("my order"))
	require.False(t, HasExplicitCompletion("order #"))
	require.False(t, HasExplicitCompletion(""))
}
