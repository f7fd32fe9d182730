package memory

import (
	"fmt"
	"sort"
)

// NewAddressTable creates a new instance of an *AddressTable with
// the specified initial context. Refer to AddressTable's documentation
// for more information.
func NewAddressTable(initialContext string) *AddressTable {
	return &AddressTable{
		currentContext:          initialContext,
		contextToSymbolsToAddrs: make(map[string]map[string]uint64),
	}
}

// AddressTable helps organize memory addresses and offsets for symbols
// in different contexts. A context can be (but is not limited to) the
// name of the target environment.
//
// For example, imagine you are writing an exploit for a piece of software
// running remotely, and libc is a target. The version of libc on your test
// machine might be different from the version on the target machine.
// As a result, you will likely need to modify the offsets of libc symbols
// when testing the exploit in one environment or another.
//
// Rather than manually commenting out variables. you can use an AddressTable
// to track the offsets of symbols for your "test" and "target" environments.
// You can switch environments (contexts) by simply specifying a different
// initial context in the argument to NewAddressTable.
type AddressTable struct {
	currentContext          string
	contextToSymbolsToAddrs map[string]map[string]uint64
}

// Symbol is a named address.
type Symbol struct {
	Name string
	Addr uint64
}

// SetContext sets the current context to the specified value.
func (o *AddressTable) SetContext(context string) *AddressTable {
	o.currentContext = context
	return o
}

// DeleteContext deletes the specified context.
func (o *AddressTable) DeleteContext(context string) *AddressTable {
	delete(o.contextToSymbolsToAddrs, context)
	return o
}

// AddSymbol adds or sets the address of a symbol in the current context.
func (o *AddressTable) AddSymbol(symbolName string, address uint64) *AddressTable {
	return o.AddSymbolInContext(symbolName, address, o.currentContext)
}

// AddSymbolInContext adds or sets the address of a symbol for
// the specified context.
func (o *AddressTable) AddSymbolInContext(symbolName string, address uint64, context string) *AddressTable {
	symbolsToAddrs := o.contextToSymbolsToAddrs[context]
	if symbolsToAddrs == nil {
		symbolsToAddrs = make(map[string]uint64)
	}

	symbolsToAddrs[symbolName] = address
	o.contextToSymbolsToAddrs[context] = symbolsToAddrs

	return o
}

// DeleteSymbolFromContext deletes a symbol from the specified context.
func (o *AddressTable) DeleteSymbolFromContext(symbolName string, context string) *AddressTable {
	symbolsToAddrs, hasIt := o.contextToSymbolsToAddrs[context]
	if hasIt {
		delete(symbolsToAddrs, symbolName)
	}
	return o
}

// CurrentContext returns the current context.
func (o *AddressTable) CurrentContext() string {
	return o.currentContext
}

// Address returns the address of the specified symbol for the
// currently selected context.
func (o *AddressTable) Address(symbolName string) (uint64, error) {
	symbolsToAddrs, hasIt := o.contextToSymbolsToAddrs[o.currentContext]
	if !hasIt {
		return 0, fmt.Errorf("the current context ('%s') is not in the lookup table",
			o.currentContext)
	}

	addr, hasIt := symbolsToAddrs[symbolName]
	if !hasIt {
		return 0, fmt.Errorf("failed to find the symbol '%s' in the table for '%s'",
			symbolName, o.currentContext)
	}

	return addr, nil
}

// AddressOrExit calls Address. If the context or the symbol do not
// exist, then DefaultExitFn is invoked.
func (o *AddressTable) AddressOrExit(symbolName string) uint64 {
	addr, err := o.Address(symbolName)
	if err != nil {
		DefaultExitFn(err)
	}

	return addr
}

// Symbolize returns the name of the symbol located exactly at address
// in the current context.
func (o *AddressTable) Symbolize(address uint64) (string, bool) {
	for name, addr := range o.contextToSymbolsToAddrs[o.currentContext] {
		if addr == address {
			return name, true
		}
	}

	return "", false
}

// Symbols returns the current context's symbols sorted by address.
func (o *AddressTable) Symbols() []Symbol {
	symbolsToAddrs := o.contextToSymbolsToAddrs[o.currentContext]

	symbols := make([]Symbol, 0, len(symbolsToAddrs))
	for name, addr := range symbolsToAddrs {
		symbols = append(symbols, Symbol{
			Name: name,
			Addr: addr,
		})
	}

	sort.Slice(symbols, func(i, j int) bool {
		if symbols[i].Addr == symbols[j].Addr {
			return symbols[i].Name < symbols[j].Name
		}
		return symbols[i].Addr < symbols[j].Addr
	})

	return symbols
}
