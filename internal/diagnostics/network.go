package diagnostics

import "go2tv.app/mini-dlna/internal/netutil"

var (
	localIP             = netutil.LocalIP
	multicastInterfaces = netutil.MulticastInterfaces
)

type NetworkReport struct {
	LocalIP    string   `json:"local_ip,omitempty"`
	Interfaces []string `json:"multicast_interfaces"`
	Error      string   `json:"error,omitempty"`
}

// DetectNetwork reports the address advertised over SSDP and the interfaces
// the SSDP group would be joined on.
func DetectNetwork(names []string) NetworkReport {
	report := NetworkReport{Interfaces: []string{}}
	ip, err := localIP()
	if err != nil {
		report.Error = err.Error()
	} else {
		report.LocalIP = ip.String()
	}

	ifaces, err := multicastInterfaces(names)
	if err != nil {
		if report.Error == "" {
			report.Error = err.Error()
		}
		return report
	}
	for _, iface := range ifaces {
		report.Interfaces = append(report.Interfaces, iface.Name)
	}
	return report
}

// Healthy reports whether the server can both advertise and serve.
func Healthy(folders []FolderStatus, network NetworkReport) bool {
	if len(folders) == 0 || network.LocalIP == "" || len(network.Interfaces) == 0 {
		return false
	}
	for _, f := range folders {
		if !f.Readable {
			return false
		}
	}
	return true
}
