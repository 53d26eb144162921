package taxonomy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAliases(t *testing.T) {
	t.Parallel()

	tax := Default()
	require.Equal(t, "restaurant", tax.Normalize("Restaurant"))
	require.Equal(t, "restaurant", tax.Normalize("takeaway"))
	require.Equal(t, "shop", tax.Normalize("Supermarket"))
	require.Equal(t, "pharmacy", tax.Normalize("Chemist"))
	require.Equal(t, "", tax.Normalize("zzz unknown trade"))
	require.Equal(t, "", tax.Normalize(""))
}

func TestNormalizeQualifiedText(t *testing.T) {
	t.Parallel()

	tax := Default()
	// Full-phrase miss falls back to per-word alias hits.
	require.Equal(t, "restaurant", tax.Normalize("Italian Restaurant"))
	require.Equal(t, "pharmacy", tax.Normalize("Community Chemist"))
}

func TestFromSIC(t *testing.T) {
	t.Parallel()

	tax := Default()
	require.Equal(t, "restaurant", tax.FromSIC("56101"))
	require.Equal(t, "shop", tax.FromSIC("47110"))
	require.Equal(t, "hotel", tax.FromSIC("55"))
	require.Equal(t, "", tax.FromSIC("99999"))
}

func TestName(t *testing.T) {
	t.Parallel()

	tax := Default()
	require.Equal(t, "Restaurant", tax.Name("restaurant"))
	require.Equal(t, "mystery", tax.Name("mystery"))
}

func TestCompatibility(t *testing.T) {
	t.Parallel()

	tax := Default()

	// Identical codes.
	require.Equal(t, Match, tax.Compatibility("restaurant", "restaurant"))
	// Parent group relation.
	require.Equal(t, Match, tax.Compatibility("restaurant", "food_drink"))
	require.Equal(t, Match, tax.Compatibility("food_drink", "cafe"))
	// Same group, different code.
	require.Equal(t, Plausible, tax.Compatibility("restaurant", "cafe"))
	// Different groups.
	require.Equal(t, Contradic, tax.Compatibility("pharmacy", "nightclub"))
	// Missing or unknown codes.
	require.Equal(t, Neutral, tax.Compatibility("", "restaurant"))
	require.Equal(t, Neutral, tax.Compatibility("restaurant", "quarry"))
}

func TestLoadRejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := Load([]byte(`
groups:
  - code: a
    categories:
      - code: x
        name: X
  - code: b
    categories:
      - code: x
        name: X again
`))
	require.Error(t, err)
}
