package rates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dailyFeed = `<?xml version="1.0" encoding="windows-1251"?>
<ValCurs Date="01.05.2026" name="Foreign Currency Market">
	<Valute ID="R01235">
		<NumCode>840</NumCode>
		<CharCode>USD</CharCode>
		<Nominal>1</Nominal>
		<Name>US Dollar</Name>
		<Value>80,5000</Value>
	</Valute>
	<Valute ID="R01375">
		<NumCode>156</NumCode>
		<CharCode>CNY</CharCode>
		<Nominal>1</Nominal>
		<Name>Chinese Yuan</Name>
		<Value>11,5000</Value>
	</Valute>
</ValCurs>`

func TestCrossRateFromXML(t *testing.T) {
	rate, err := crossRateFromXML([]byte(dailyFeed))
	require.NoError(t, err)
	assert.InDelta(t, 7.0, rate, 0.0001)
}

func TestCrossRateNominal(t *testing.T) {
	// CNY is often quoted per 10 units.
	feed := `<ValCurs>
		<Valute><CharCode>USD</CharCode><Nominal>1</Nominal><Value>80,0000</Value></Valute>
		<Valute><CharCode>CNY</CharCode><Nominal>10</Nominal><Value>112,0000</Value></Valute>
	</ValCurs>`
	rate, err := crossRateFromXML([]byte(feed))
	require.NoError(t, err)
	assert.InDelta(t, 80.0/11.2, rate, 0.0001)
}

func TestCrossRateMissingCurrency(t *testing.T) {
	feed := `<ValCurs>
		<Valute><CharCode>USD</CharCode><Nominal>1</Nominal><Value>80,0000</Value></Valute>
	</ValCurs>`
	_, err := crossRateFromXML([]byte(feed))
	require.Error(t, err)

	_, err = crossRateFromXML([]byte(`not xml at all <`))
	require.Error(t, err)
}
