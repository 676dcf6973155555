package dedup

import "math"

const earthRadiusMeters = 6371000

// DistanceMeters returns the great-circle distance between two WGS84
// coordinates using the haversine formula. Degrees of longitude shrink
// toward the poles, so a flat Euclidean distance would be wrong even at
// the tens-of-meters radii used for deduplication.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// ValidCoordinates reports whether a latitude/longitude pair is inside
// the WGS84 domain. (0,0) is a legal coordinate, not a missing-location
// sentinel.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
