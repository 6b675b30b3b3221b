package driver

import (
	"math"
	"time"
)

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance in kilometres between two
// points given in decimal degrees.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLng := radians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// travelTime converts a distance into a duration at speedKmh, rounded up to the minute.
func travelTime(distanceKm, speedKmh float64) time.Duration {
	if speedKmh <= 0 {
		return 0
	}
	minutes := math.Ceil(distanceKm / speedKmh * 60)
	return time.Duration(minutes) * time.Minute
}
