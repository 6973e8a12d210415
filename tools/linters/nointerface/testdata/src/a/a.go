package a

type Payload interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"

type PayloadAlias any

func decode(raw interface{}) { // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"
	_ = raw
}

func decodeAlias(raw any) {
	_ = raw
}

func produce() interface{} { // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"
	return nil
}

func produceAlias() any {
	return nil
}

type envelope struct {
	Body interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"
}

type envelopeAlias struct {
	Body any
}

var params map[string]interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"

var paramsAlias map[string]any

var batch []interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"

var batchAlias []any

var inbox chan interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"

var inboxAlias chan any

var grouped map[string][]interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"

var groupedAlias map[string][]any

func assertString() {
	var v interface{} // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"
	_ = v.(string)
}

func assertStringAlias() {
	var v any
	_ = v.(string)
}

func merge(left interface{}, right interface{}) { // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)" "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"
	_, _ = left, right
}

func mergeAlias(left any, right any) {
	_, _ = left, right
}

func silencedAbove() {
	//nolint
	var v interface{}
	_ = v
}

func silencedInline() {
	var v interface{} //nolint:nointerface
	_ = v
}

func silencedForSomethingElse() {
	var v interface{} //nolint:otherlinter // want "use 'any' instead of 'interface\\{\\}' \\(available since Go 1.18\\)"
	_ = v
}

// nolint
func silencedSignature(v interface{}) {
	_ = v
}

func silencedField() {
	type wrapper struct {
		//nolint
		Body interface{}
	}
	_ = wrapper{}
}

type Notifier interface {
	Notify(event string)
}

func notifyAll(n Notifier) {
	_ = n
}

type Lifecycle interface {
	Start() error
	Stop() error
}

func manage(l Lifecycle) {
	_ = l
}
