package builtin

import (
	"context"
	"fmt"
	"net"

	"github.com/basket/goprobe/internal/table"
)

var interfaceAddressColumns = []string{"interface", "address", "mask", "type", "mac"}

// netInterface is the subset of net.Interface the table reads, so tests can
// supply interfaces whose address lookup fails.
type netInterface interface {
	Name() string
	HardwareAddr() string
	Addrs() ([]net.Addr, error)
}

type sysInterface struct{ ifc net.Interface }

func (s sysInterface) Name() string               { return s.ifc.Name }
func (s sysInterface) HardwareAddr() string       { return s.ifc.HardwareAddr.String() }
func (s sysInterface) Addrs() ([]net.Addr, error) { return s.ifc.Addrs() }

func systemInterfaces() ([]netInterface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]netInterface, len(ifs))
	for i := range ifs {
		out[i] = sysInterface{ifs[i]}
	}
	return out, nil
}

// InterfaceAddresses lists every address bound to a network interface.
func InterfaceAddresses() table.Adapter {
	return interfaceAddresses(systemInterfaces)
}

func interfaceAddresses(list func() ([]netInterface, error)) table.Adapter {
	return table.Func("interface_addresses", interfaceAddressColumns, func(_ context.Context, c table.Constraints) (table.Result, error) {
		ifs, err := list()
		if err != nil {
			return table.Result{}, fmt.Errorf("list interfaces: %w", err)
		}
		want, filtered := c.Lookup("interface")

		var res table.Result
		for _, ifc := range ifs {
			if filtered && fmt.Sprint(want) != ifc.Name() {
				continue
			}
			addrs, err := ifc.Addrs()
			if err != nil {
				res.Warnings = append(res.Warnings, table.Warning{
					Column:  "address",
					Message: fmt.Sprintf("interface %s: %v", ifc.Name(), err),
				})
				continue
			}
			for _, a := range addrs {
				ipn, ok := a.(*net.IPNet)
				if !ok {
					continue
				}
				family := "ipv6"
				if ipn.IP.To4() != nil {
					family = "ipv4"
				}
				res.Rows = append(res.Rows, table.Row{
					"interface": ifc.Name(),
					"address":   ipn.IP.String(),
					"mask":      net.IP(ipn.Mask).String(),
					"type":      family,
					"mac":       ifc.HardwareAddr(),
				})
			}
		}
		return res, nil
	})
}
