package printqueue

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/config"
)

const defaultDialTimeout = 5 * time.Second

// Channel delivers a rendered job to physical output.
type Channel interface {
	Deliver(ctx context.Context, job Job) error
}

// Device is a single printer endpoint.
type Device interface {
	Name() string
	Print(ctx context.Context, doc Document) error
}

// NetworkDevice writes ESC/POS to a raw TCP printer port.
type NetworkDevice struct {
	name    string
	addr    string
	autoCut bool
	dialer  net.Dialer
}

// NewNetworkDevice returns a device for a printer listening on addr.
func NewNetworkDevice(name, addr string, autoCut bool) *NetworkDevice {
	return &NetworkDevice{
		name:    name,
		addr:    addr,
		autoCut: autoCut,
		dialer:  net.Dialer{Timeout: defaultDialTimeout},
	}
}

func (d *NetworkDevice) Name() string { return d.name }

// Print opens the printer connection, writes the document and closes it.
func (d *NetworkDevice) Print(ctx context.Context, doc Document) error {
	conn, err := d.dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", d.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	if _, err := conn.Write(EncodeESCPOS(doc, d.autoCut)); err != nil {
		return fmt.Errorf("write %s: %w", d.addr, err)
	}
	return nil
}

// LogDevice prints to the logger instead of hardware.
type LogDevice struct {
	name   string
	logger *zap.Logger
}

// NewLogDevice returns a device that logs each document.
func NewLogDevice(name string, logger *zap.Logger) *LogDevice {
	return &LogDevice{name: name, logger: logger}
}

func (d *LogDevice) Name() string { return d.name }

func (d *LogDevice) Print(_ context.Context, doc Document) error {
	d.logger.Info("print output", zap.String("printer", d.name), zap.String("document", doc.String()))
	return nil
}

// Spool routes jobs to the configured kitchen and receipt devices.
type Spool struct {
	kitchen       Device
	receipt       Device
	kitchenCopies int
	receiptCopies int
}

// NewSpool builds the delivery channel from configuration. Receipts fall back
// to the kitchen printer when no receipt printer is configured.
func NewSpool(cfg config.Print, logger *zap.Logger) *Spool {
	s := &Spool{
		kitchenCopies: max(cfg.Kitchen.Copies, 1),
		receiptCopies: max(cfg.Receipt.Copies, 1),
	}
	s.kitchen = newDevice(cfg.Kitchen, cfg, logger)
	if cfg.Receipt.Addr != "" || cfg.DebugMode {
		s.receipt = newDevice(cfg.Receipt, cfg, logger)
	} else {
		s.receipt = s.kitchen
	}
	return s
}

// NewSpoolWith routes kitchen tickets and pickup notices to kitchen and receipts to receipt.
func NewSpoolWith(kitchen, receipt Device) *Spool {
	if receipt == nil {
		receipt = kitchen
	}
	return &Spool{kitchen: kitchen, receipt: receipt, kitchenCopies: 1, receiptCopies: 1}
}

func newDevice(p config.Printer, cfg config.Print, logger *zap.Logger) Device {
	if cfg.DebugMode || p.Addr == "" {
		return NewLogDevice(p.Name, logger)
	}
	return NewNetworkDevice(p.Name, p.Addr, cfg.AutoCut)
}

// Printers lists the device names announced to the coordinating process.
func (s *Spool) Printers() []string {
	if s.receipt == s.kitchen {
		return []string{s.kitchen.Name()}
	}
	return []string{s.kitchen.Name(), s.receipt.Name()}
}

func (s *Spool) Deliver(ctx context.Context, job Job) error {
	device, copies := s.kitchen, s.kitchenCopies
	if job.Kind == KindCustomerReceipt {
		device, copies = s.receipt, s.receiptCopies
	}
	for i := 0; i < copies; i++ {
		if err := device.Print(ctx, job.Document); err != nil {
			return err
		}
	}
	return nil
}
