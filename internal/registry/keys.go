package registry

// Key layout. Every key lives under the "fablab:" namespace.
const (
	Prefix = "fablab:"

	MachineSetKey  = Prefix + "machines"
	APICallsKey    = Prefix + "apicalls"
	QuotaLimitKey  = Prefix + "configuration:quota"
	FacilityIDKey  = Prefix + "configuration:id"
	TokenKey       = Prefix + "configuration:idToken"
	NameKey        = Prefix + "configuration:name"
	WebKey         = Prefix + "configuration:web"
	APIKey         = Prefix + "configuration:api"
	GeopositionKey = Prefix + "configuration:geoposition"
	OpeningDaysKey = Prefix + "configuration:openingdays"
	AddressKey     = Prefix + "address:detailed"
	ContactKey     = Prefix + "contact"
)

// Materials known to the facility description.
var Materials = []string{"wood", "copper", "acrylic", "vinyl", "mylar", "cardboard"}

// MachineKey is the hash holding a machine record.
func MachineKey(id string) string { return Prefix + "machine:" + id }

// JobKey is the string holding the base URL of the machine that accepted a job.
func JobKey(id string) string { return Prefix + "jobs:" + id }

// OpeningDayKey is the hash holding from/to hours for one day.
func OpeningDayKey(day string) string { return Prefix + "openingdays:" + day }

// MaterialKey is the string holding the stock of one material.
func MaterialKey(material string) string { return Prefix + "materials:" + material }
