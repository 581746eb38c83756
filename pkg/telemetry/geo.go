package telemetry

import "math"

const earthRadiusKm = 6371

// DistanceKm returns the haversine great-circle distance to another point.
func (g GeoPoint) DistanceKm(o GeoPoint) float64 {
	dLat := (o.Lat - g.Lat) * math.Pi / 180
	dLng := (o.Lng - g.Lng) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(g.Lat*math.Pi/180)*math.Cos(o.Lat*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
