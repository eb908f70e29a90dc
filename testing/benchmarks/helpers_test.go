package benchmarks

import (
	"context"
	"testing"

	"github.com/zoobzio/ctorz"
	"github.com/zoobzio/ctorz/hostvm"
	"github.com/zoobzio/ctorz/typefile"
)

// widget builds app.Widget extending app.Base; its constructor stores its
// argument.
func widget(b *testing.B) (base, w []byte) {
	b.Helper()
	bb := typefile.NewBuilder("app.Base", "")
	bb.Constructor(0).Return()
	base, err := bb.Build()
	if err != nil {
		b.Fatal(err)
	}

	wb := typefile.NewBuilder("app.Widget", "app.Base").Field("v")
	wb.Constructor(1).
		Load(0).InvokeSpecial("app.Base", typefile.CtorName, 0, false).
		Load(0).Load(1).PutField("app.Widget", "v").
		Return()
	w, err = wb.Build()
	if err != nil {
		b.Fatal(err)
	}
	return base, w
}

// fakeHost is a capability that accepts everything, for benchmarking the
// interceptor without a runtime.
type fakeHost struct{}

func (fakeHost) InstallTransformer(func(string, []byte) []byte) error { return nil }
func (fakeHost) RemoveTransformer() error                            { return nil }
func (fakeHost) InstallBridge(ctorz.Bridge) error                    { return nil }

type attachHost struct{}

func (attachHost) AttachCapability(context.Context) (ctorz.Capability, error) {
	return fakeHost{}, nil
}

func interceptor(b *testing.B, reg *ctorz.Registry) *ctorz.Interceptor {
	b.Helper()
	broker := ctorz.NewAttachBroker(context.Background(), attachHost{})
	icpt := ctorz.NewInterceptor(reg, broker, typefile.NewRewriter())
	if err := icpt.Install(); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = icpt.Close() })
	return icpt
}

// boot starts an attach-enabled runtime with the widget types defined
// and an interceptor armed.
func boot(b *testing.B, reg *ctorz.Registry) *hostvm.Runtime {
	b.Helper()
	base, w := widget(b)
	rt := hostvm.New(hostvm.WithAttach())
	rt.Define("app.Base", base)
	rt.Define("app.Widget", w)
	icpt := ctorz.NewInterceptor(reg, ctorz.NewAttachBroker(context.Background(), rt), typefile.NewRewriter())
	if err := icpt.Install(); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = icpt.Close() })
	return rt
}
