package runtime

import (
	"strings"

	"github.com/tierctl/tierctl/pkg/common"
)

// GatherFacts collects implicit variables from a connected host: hostname,
// kernel, architecture and distribution identity. Facts that cannot be
// gathered are omitted rather than failing the host.
func GatherFacts(conn Connection) map[string]interface{} {
	facts := make(map[string]interface{})

	commands := map[string]string{
		"fact_hostname": "hostname",
		"fact_kernel":   "uname -s",
		"fact_machine":  "uname -m",
	}
	for fact, command := range commands {
		result, err := conn.ExecuteCommand(command, NewCommandOptions())
		if err != nil || result.Error != nil {
			common.LogDebug("Failed to gather fact", map[string]interface{}{
				"fact": fact, "command": command,
			})
			continue
		}
		facts[fact] = strings.TrimSpace(result.Stdout)
	}

	if release, err := conn.ReadFile("/etc/os-release"); err == nil {
		for key, value := range parseOSRelease(string(release)) {
			facts[key] = value
		}
	}

	return facts
}

// parseOSRelease extracts distribution identity from os-release content.
func parseOSRelease(content string) map[string]interface{} {
	facts := make(map[string]interface{})
	for _, line := range strings.Split(content, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "ID":
			facts["fact_distribution"] = value
		case "VERSION_ID":
			facts["fact_distribution_version"] = value
		}
	}
	return facts
}
