package telemetry

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// GenerateInstanceID returns an identifier for this process: hostname, pid and a random suffix.
func GenerateInstanceID() string {
	host, _ := os.Hostname()

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}
