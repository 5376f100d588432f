package matching

import (
	"math"
	"sort"
	"time"

	"cargo-delivery/api/models"
)

// CourierInfo is a point-in-time snapshot of a connected courier, taken from
// the presence registry. The matcher never reads live session state.
type CourierInfo struct {
	ID          string
	Location    models.GeoPoint
	LocatedAt   time.Time
	HasLocation bool
	Available   bool
	CapacityKg  float64 // 0 means unknown
	Rating      float64
	TotalTrips  int
}

// Source yields the current candidate pool.
type Source interface {
	Couriers() []CourierInfo
}

// Candidate is an ephemeral match result, recomputed on every broadcast.
type Candidate struct {
	CourierID  string  `json:"courier_id"`
	DistanceKm float64 `json:"distance_km"`
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
}

type Matcher struct {
	src        Source
	staleAfter time.Duration
	now        func() time.Time
}

func NewMatcher(src Source, staleAfter time.Duration) *Matcher {
	return &Matcher{src: src, staleAfter: staleAfter, now: time.Now}
}

// FindRanked returns connected, available couriers within radiusKm of
// origin, scored and sorted best-first, truncated to maxResults with
// Rank assigned 1..N. An empty pool yields an empty slice, not an error.
func (m *Matcher) FindRanked(origin models.GeoPoint, weightKg, radiusKm float64, maxResults int) []Candidate {
	now := m.now()
	candidates := make([]Candidate, 0)

	for _, c := range m.src.Couriers() {
		if !c.Available || !c.HasLocation {
			continue
		}
		if now.Sub(c.LocatedAt) > m.staleAfter {
			continue
		}

		dist := DistanceKm(origin.Latitude, origin.Longitude, c.Location.Latitude, c.Location.Longitude)
		if dist > radiusKm {
			continue
		}

		candidates = append(candidates, Candidate{
			CourierID:  c.ID,
			DistanceKm: dist,
			Score:      CompositeScore(c, dist, weightKg, now),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].DistanceKm < candidates[j].DistanceKm
	})

	if maxResults > 0 && len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates
}

// CompositeScore weighs distance, rating, experience, capacity utilisation
// and location freshness into a single 0-110 value, higher is better.
func CompositeScore(c CourierInfo, distanceKm, weightKg float64, now time.Time) float64 {
	score := math.Max(0, 40-2*distanceKm)
	score += c.Rating * 5
	score += math.Min(20, float64(c.TotalTrips)*0.1)
	score += capacityScore(weightKg, c.CapacityKg)

	minutes := now.Sub(c.LocatedAt).Minutes()
	score += math.Max(0, 10-minutes)
	return score
}

// capacityScore rewards vehicles whose load would sit near 70% of capacity.
// Overweight orders score 0; unknown capacity gets the full 15.
func capacityScore(weightKg, capacityKg float64) float64 {
	if capacityKg <= 0 {
		return 15
	}
	if weightKg > capacityKg {
		return 0
	}
	utilisation := weightKg / capacityKg
	return 15 * (1 - math.Abs(0.7-utilisation))
}

// DistanceKm is the great-circle (haversine) distance between two points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371 // Earth radius in kilometers

	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return R * c
}

// EstimatedArrivalMin is the linear pickup ETA heuristic used in broadcasts.
func EstimatedArrivalMin(distanceKm float64) int {
	return int(math.Round(distanceKm * 2))
}
