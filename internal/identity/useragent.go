package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"sync"
)

// kiroIDEVersion is the IDE build the vendor's SDK client string claims.
const kiroIDEVersion = "0.9.47"

const sdkVersion = "1.0.27"

var (
	machineIDOnce sync.Once
	machineID     string
)

// MachineID returns a stable 64-hex machine identifier, derived from the
// hostname so it survives restarts but differs between hosts.
func MachineID() string {
	machineIDOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil {
			host = "polyrelay"
		}
		h := sha256.Sum256([]byte(host))
		machineID = hex.EncodeToString(h[:])
	})
	return machineID
}

// KiroUserAgent builds the full User-Agent the streaming vendor's own
// client sends: aws-sdk-js/<v> ua/2.1 os/... lang/js md/nodejs#...
// api/codewhispererstreaming#<v> m/E KiroIDE-<ver>-<machineId>.
func KiroUserAgent() string {
	return fmt.Sprintf(
		"aws-sdk-js/%s ua/2.1 os/%s lang/js md/nodejs#22.21.1 api/codewhispererstreaming#%s m/E KiroIDE-%s-%s",
		sdkVersion, runtime.GOOS, sdkVersion, kiroIDEVersion, MachineID())
}

// KiroAmzUserAgent builds the shorter x-amz-user-agent companion value.
func KiroAmzUserAgent() string {
	return fmt.Sprintf("aws-sdk-js/%s KiroIDE-%s-%s", sdkVersion, kiroIDEVersion, MachineID())
}
