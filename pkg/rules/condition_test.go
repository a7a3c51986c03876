package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lookupFor builds a LookupFunc over an exception-shaped attribute map.
func lookupFor(attrs map[string]any) LookupFunc {
	return func(path []string) (any, bool) {
		var cur any = attrs
		for _, seg := range path {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[seg]
			if !ok {
				return nil, false
			}
		}
		return cur, true
	}
}

func TestParseSimpleEquality(t *testing.T) {
	node, err := Parse(`exceptionType == "SETTLEMENT_FAIL"`)
	require.NoError(t, err)

	lookup := lookupFor(map[string]any{"exceptionType": "SETTLEMENT_FAIL"})
	assert.True(t, Matches(node, lookup))

	lookup = lookupFor(map[string]any{"exceptionType": "OTHER"})
	assert.False(t, Matches(node, lookup))
}

func TestParseSingleQuotes(t *testing.T) {
	node, err := Parse(`exceptionType == 'SETTLEMENT_FAIL'`)
	require.NoError(t, err)

	assert.True(t, Matches(node, lookupFor(map[string]any{"exceptionType": "SETTLEMENT_FAIL"})))
}

func TestParseRawPayloadPath(t *testing.T) {
	node, err := Parse(`rawPayload.region == "eu-west-1"`)
	require.NoError(t, err)

	lookup := lookupFor(map[string]any{
		"rawPayload": map[string]any{"region": "eu-west-1"},
	})
	assert.True(t, Matches(node, lookup))
}

func TestParseNumericComparison(t *testing.T) {
	node, err := Parse(`rawPayload.amount > 50000`)
	require.NoError(t, err)

	over := lookupFor(map[string]any{"rawPayload": map[string]any{"amount": 75000.0}})
	under := lookupFor(map[string]any{"rawPayload": map[string]any{"amount": 5000.0}})
	assert.True(t, Matches(node, over))
	assert.False(t, Matches(node, under))
}

func TestParseNumericComparisonOnStringValue(t *testing.T) {
	// Payload values that arrive as strings still compare numerically.
	node := MustParse(`rawPayload.amount >= 100`)
	lookup := lookupFor(map[string]any{"rawPayload": map[string]any{"amount": "150"}})
	assert.True(t, Matches(node, lookup))
}

func TestParseAndOr(t *testing.T) {
	node, err := Parse(`exceptionType == "A" && rawPayload.k == "x" || exceptionType == "B"`)
	require.NoError(t, err)

	// || binds looser than &&.
	assert.True(t, Matches(node, lookupFor(map[string]any{"exceptionType": "B"})))
	assert.True(t, Matches(node, lookupFor(map[string]any{
		"exceptionType": "A",
		"rawPayload":    map[string]any{"k": "x"},
	})))
	assert.False(t, Matches(node, lookupFor(map[string]any{"exceptionType": "A"})))
}

func TestParseIfPrefix(t *testing.T) {
	node, err := Parse(`if: exceptionType == "A"`)
	require.NoError(t, err)
	assert.True(t, Matches(node, lookupFor(map[string]any{"exceptionType": "A"})))
}

func TestParseParentheses(t *testing.T) {
	node, err := Parse(`(exceptionType == "A" || exceptionType == "B") && rawPayload.env == "prod"`)
	require.NoError(t, err)

	assert.True(t, Matches(node, lookupFor(map[string]any{
		"exceptionType": "B",
		"rawPayload":    map[string]any{"env": "prod"},
	})))
	assert.False(t, Matches(node, lookupFor(map[string]any{
		"exceptionType": "B",
		"rawPayload":    map[string]any{"env": "dev"},
	})))
}

func TestEmptyConditionMatchesNothing(t *testing.T) {
	node, err := Parse("")
	require.NoError(t, err)
	require.Nil(t, node)

	// A nil node matches nothing and never panics.
	assert.NotPanics(t, func() {
		assert.False(t, Matches(node, lookupFor(map[string]any{"exceptionType": "A"})))
	})
}

func TestMissingAttributeFailsComparison(t *testing.T) {
	node := MustParse(`rawPayload.missing == "x"`)
	assert.False(t, Matches(node, lookupFor(map[string]any{"rawPayload": map[string]any{}})))
}

func TestOrderingOperatorOnStringLiteralIsFalse(t *testing.T) {
	node := MustParse(`rawPayload.code > "abc"`)
	assert.False(t, Matches(node, lookupFor(map[string]any{"rawPayload": map[string]any{"code": "abd"}})))
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		`exceptionType ==`,
		`exceptionType ~ "A"`,
		`(exceptionType == "A"`,
		`exceptionType == "A" extra`,
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Error(t, err, "condition: %s", c)
	}
}
