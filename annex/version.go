package annex

const version = "2.0.1"

// DefaultDatabaseFile is file name the digital annex database is usually distributed as
const DefaultDatabaseFile = "J1939db.json"

// Version returns version of decoding engine. Version does not depend on database contents.
func Version() string {
	return version
}
