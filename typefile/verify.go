package typefile

import (
	"fmt"
	"slices"
)

// Verify checks that every method of f is well formed and that its declared
// limits and frames match its code. This is the check the host runs before
// accepting a definition.
func Verify(f *File) error {
	if f.Name() == "" {
		return fmt.Errorf("%w: unnamed type", ErrVerify)
	}
	seen := make(map[string]bool)
	for _, m := range f.Methods {
		name := f.MethodName(m)
		key := fmt.Sprintf("%s/%d", name, m.Args)
		if seen[key] {
			return fmt.Errorf("%w: duplicate method %s", ErrVerify, key)
		}
		seen[key] = true
		if err := verifyMethod(f, m); err != nil {
			return fmt.Errorf("%s.%s: %w", f.Name(), key, err)
		}
	}
	return nil
}

func verifyMethod(f *File, m *Method) error {
	if f.IsConstructor(m) && m.Returns {
		return fmt.Errorf("%w: constructor returns a value", ErrVerify)
	}
	code, err := DecodeCode(m)
	if err != nil {
		return err
	}
	a, err := f.Analyze(m, code)
	if err != nil {
		return err
	}
	if int(m.MaxStack) < a.MaxStack {
		return fmt.Errorf("%w: max stack %d below required %d", ErrVerify, m.MaxStack, a.MaxStack)
	}
	if int(m.MaxLocals) < a.MaxLocals {
		return fmt.Errorf("%w: max locals %d below required %d", ErrVerify, m.MaxLocals, a.MaxLocals)
	}

	var declared []Frame
	if attr, ok := f.MethodAttribute(m, FramesAttr); ok {
		if declared, err = DecodeFrames(attr.Data); err != nil {
			return err
		}
	}
	if !slices.Equal(declared, a.Frames) {
		return fmt.Errorf("%w: frames %v do not match code %v", ErrVerify, declared, a.Frames)
	}
	return nil
}
