// Package convert maps record schemas to the converters that turn records
// into storage documents. A Registry is built once from one or more
// Factory values and then resolved for every record the writer drains.
package convert
