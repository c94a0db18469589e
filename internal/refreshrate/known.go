package refreshrate

import (
	"math"
	"sort"

	"github.com/goodtune/vsyncd/internal/fps"
)

// commonFrameRates are content rates worth snapping to even when the panel
// cannot display them natively.
var commonFrameRates = []float64{24, 30, 45, 60, 72}

// KnownFrameRates is an immutable, sorted, de-duplicated set of frame rates.
type KnownFrameRates []fps.Fps

func constructKnownFrameRates(modes []DisplayMode) KnownFrameRates {
	rates := make([]fps.Fps, 0, len(commonFrameRates)+len(modes))
	for _, v := range commonFrameRates {
		rates = append(rates, fps.New(v))
	}
	for _, m := range modes {
		rates = append(rates, fps.FromPeriod(m.VsyncPeriod))
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Value() < rates[j].Value() })

	known := rates[:0]
	for _, r := range rates {
		if len(known) > 0 && known[len(known)-1].EqualsWithMargin(r) {
			continue
		}
		known = append(known, r)
	}
	return KnownFrameRates(known)
}

// Closest returns the known rate nearest to f. An empty set returns f.
func (k KnownFrameRates) Closest(f fps.Fps) fps.Fps {
	if len(k) == 0 {
		return f
	}
	if f.LessThanOrEqualWithMargin(k[0]) {
		return k[0]
	}
	last := k[len(k)-1]
	if f.GreaterThanOrEqualWithMargin(last) {
		return last
	}

	upper := sort.Search(len(k), func(i int) bool { return k[i].Value() >= f.Value() })
	lower := upper - 1
	if math.Abs(f.Value()-k[upper].Value()) < math.Abs(f.Value()-k[lower].Value()) {
		return k[upper]
	}
	return k[lower]
}
