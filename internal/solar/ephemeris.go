package solar

import (
	"math"
	"time"
)

// DefaultEphemeris returns the built-in EphemerisFunc for a fixed
// location, computing each named phase with the same solar-elevation
// angle table as the SunCalc algorithm the original_source's `sun`
// crate wraps (spec.md §4.C names Sunrise/Sunset/Dawn/Dusk/... as the
// phase set; no example repo in the pack vendors an ephemeris library,
// so this is a from-scratch stdlib implementation of that published
// algorithm rather than an invented one — see DESIGN.md).
func DefaultEphemeris(lat, lon, elevation float64) EphemerisFunc {
	return func(date time.Time, phase Phase) (time.Time, bool) {
		angle, morning, ok := phaseAngle(phase)
		if !ok {
			return time.Time{}, false
		}
		return solarTime(date, lat, lon, angle, morning)
	}
}

var phaseAngles = map[Phase]struct {
	angle   float64
	morning bool
}{
	"Sunrise":       {-0.833, true},
	"Sunset":        {-0.833, false},
	"SunriseEnd":    {-0.3, true},
	"SunsetStart":   {-0.3, false},
	"Dawn":          {-6, true},
	"Dusk":          {-6, false},
	"NauticalDawn":  {-12, true},
	"NauticalDusk":  {-12, false},
	"NightEnd":      {-18, true},
	"Night":         {-18, false},
	"GoldenHourEnd": {6, true},
	"GoldenHour":    {6, false},
}

func phaseAngle(p Phase) (angle float64, morning bool, ok bool) {
	v, ok := phaseAngles[p]
	return v.angle, v.morning, ok
}

const (
	deg2rad = math.Pi / 180
	rad2deg = 180 / math.Pi
	j1970   = 2440588
	j2000   = 2451545
)

func toJulian(t time.Time) float64 {
	return float64(t.UTC().Unix())/86400 - 0.5 + j1970
}

func fromJulian(j float64) time.Time {
	secs := (j + 0.5 - j1970) * 86400
	return time.Unix(int64(secs), 0).UTC()
}

func toDays(t time.Time) float64 { return toJulian(t) - j2000 }

// solarTime implements the SunCalc sunrise/sunset equations: solar mean
// anomaly, ecliptic longitude, declination, and the hour-angle solve for
// a given target solar elevation angle (degrees). morning selects the
// ascending (sunrise-side) or descending (sunset-side) crossing.
func solarTime(date time.Time, lat, lon, angleDeg float64, morning bool) (time.Time, bool) {
	d := toDays(time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, time.UTC))
	lw := -lon * deg2rad
	phi := lat * deg2rad

	mst := solarMeanAnomaly(nJ2000(d, lw))
	c := equationOfCenter(mst)
	lsun := eclipticLongitude(mst, c)
	decl := declination(lsun)

	h, ok := hourAngle(angleDeg*deg2rad, phi, decl)
	if !ok {
		return time.Time{}, false
	}
	if morning {
		h = -h
	}

	jTransit := solarTransitJ(nJ2000(d, lw), mst, lsun)
	jEvent := jTransit + h/(2*math.Pi)
	return fromJulian(jEvent), true
}

func julianCycle(d, lw float64) float64 {
	return math.Round(d - 0.0009 - lw/(2*math.Pi))
}

func nJ2000(d, lw float64) float64 {
	return 0.0009 + lw/(2*math.Pi) + julianCycle(d, lw)
}

func solarMeanAnomaly(ds float64) float64 {
	return deg2rad * (357.5291 + 0.98560028*ds)
}

func equationOfCenter(m float64) float64 {
	return deg2rad * (1.9148*math.Sin(m) + 0.02*math.Sin(2*m) + 0.0003*math.Sin(3*m))
}

const obliquity = 23.4397 * deg2rad

func eclipticLongitude(m, c float64) float64 {
	perihelion := deg2rad * 102.9372
	return m + c + perihelion + math.Pi
}

func declination(lsun float64) float64 {
	return math.Asin(math.Sin(lsun) * math.Sin(obliquity))
}

func hourAngle(angle, phi, decl float64) (float64, bool) {
	cosH := (math.Sin(angle) - math.Sin(phi)*math.Sin(decl)) / (math.Cos(phi) * math.Cos(decl))
	if cosH < -1 || cosH > 1 {
		return 0, false // phase never occurs this day at this latitude (polar day/night)
	}
	return math.Acos(cosH), true
}

func solarTransitJ(ds, m, lsun float64) float64 {
	return j2000 + ds + 0.0053*math.Sin(m) - 0.0069*math.Sin(2*lsun)
}
