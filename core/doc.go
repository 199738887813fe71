// Package core provides the role-based content wire types shared by the
// model adapter and the event-loop node runtime: Content, its Part variants
// (text, data, file, function call, function response) and the
// FunctionCall/FunctionResponse pair a model turn and a tool dispatch
// exchange.
package core
