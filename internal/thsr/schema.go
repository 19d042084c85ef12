// Package thsr holds the fixed THSR portal schema: station and time-slot
// tables and the date rules the booking site enforces.
package thsr

import (
	"fmt"
	"time"
)

// Stations in north-to-south order. Station ids used in journey parameters
// are 1-based indexes into this table.
var Stations = []string{
	"Nangang",
	"Taipei",
	"Banqiao",
	"Taoyuan",
	"Hsinchu",
	"Miaoli",
	"Taichung",
	"Changhua",
	"Yunlin",
	"Chiayi",
	"Tainan",
	"Zuoying",
}

// TimeSlots are the departure-time codes the portal's dropdown offers.
// Time-slot ids are 1-based indexes into this table.
var TimeSlots = []string{
	"1201A", "1230A", "600A", "630A", "700A", "730A", "800A", "830A",
	"900A", "930A", "1000A", "1030A", "1100A", "1130A", "1200N", "1230P",
	"100P", "130P", "200P", "230P", "300P", "330P", "400P", "430P",
	"500P", "530P", "600P", "630P", "700P", "730P", "800P", "830P",
	"900P", "930P", "1000P", "1030P", "1100P", "1130P",
}

func StationCount() int  { return len(Stations) }
func TimeSlotCount() int { return len(TimeSlots) }

// StationName returns the display name for a 1-based station id.
func StationName(id int) (string, error) {
	if id < 1 || id > len(Stations) {
		return "", fmt.Errorf("station id %d out of range 1-%d", id, len(Stations))
	}
	return Stations[id-1], nil
}

const DateLayout = "2006/01/02"

// Taiwan is the portal's timezone; sales windows are defined in it.
var Taiwan = time.FixedZone("Asia/Taipei", 8*60*60)

func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, Taiwan)
}

func FormatDate(t time.Time) string {
	return t.In(Taiwan).Format(DateLayout)
}

// SalesOpenLeadDays is how far ahead the portal opens ticket sales.
const SalesOpenLeadDays = 29

// SalesOpen reports whether tickets for the given departure date are already
// on sale at now. Sales open at midnight Taiwan time, SalesOpenLeadDays
// before departure.
func SalesOpen(date string, now time.Time) (bool, error) {
	d, err := ParseDate(date)
	if err != nil {
		return false, err
	}
	opens := d.AddDate(0, 0, -SalesOpenLeadDays)
	return !now.In(Taiwan).Before(opens), nil
}
