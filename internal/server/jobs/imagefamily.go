package jobs

import "github.com/armadahost/armada/internal/api"

// familyPorts maps an image family to the host ports its workloads need.
// Families absent from the table get one distinct TCP port. Creation-time
// overrides take precedence over this table.
var familyPorts = map[string]api.PortDemand{
	"minecraft": {Count: 1, Protocol: "tcp"},
	"srcds":     {Count: 2, Protocol: "udp", Contiguous: true},
	"rust":      {Count: 2, Protocol: "udp", Contiguous: true},
	"teamspeak": {Count: 3, Protocol: "udp", Contiguous: true},
	"mumble":    {Count: 1, Protocol: "tcp"},
	"terraria":  {Count: 1, Protocol: "tcp"},
	"valheim":   {Count: 3, Protocol: "udp", Contiguous: true},
	"generic":   {Count: 1, Protocol: "tcp"},
	"steamcmd":  {Count: 2, Protocol: "udp", Contiguous: true},
	"factorio":  {Count: 1, Protocol: "udp"},
	"sevendays": {Count: 3, Protocol: "udp", Contiguous: true},
	"gmod":      {Count: 2, Protocol: "udp", Contiguous: true},
}

// portDemand resolves the demand for an image family.
func portDemand(family string) api.PortDemand {
	if demand, ok := familyPorts[family]; ok {
		return demand
	}
	return api.PortDemand{Count: 1, Protocol: "tcp"}
}
