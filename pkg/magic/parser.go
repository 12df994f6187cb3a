package magic

import (
	"fmt"
	"strconv"
	"strings"
	"text/scanner"
)

// Grammar (spec §6):
//
//	magic      := { syscallDecl }
//	syscallDecl:= "syscall" [ attrList ] ident "{" { fieldDecl } "}"
//	fieldDecl  := [ attrList ] ident ident
//	attrList   := "[" attr { "," attr } "]"
//	attr       := ident [ "=" value ]
//	value      := ident | int
//
// No parser-combinator or grammar library (participle, goyacc, antlr) is
// grounded anywhere in the retrieval pack (spec.md's original Rust source
// used pest, which has no Go analogue there); this hand lexer over
// text/scanner is in the same spirit as the teacher's own hand-rolled
// argument parsing.

type attrList map[string]string

type rawField struct {
	attrs    attrList
	name     string
	typeName string
	pos      scanner.Position
}

type rawSyscall struct {
	attrs  attrList
	name   string
	fields []rawField
	pos    scanner.Position
}

// parseError is a schema-fatal diagnostic (spec §4.1: parse/resolution
// errors fail the process at startup, not a recoverable condition).
type parseError struct {
	pos scanner.Position
	msg string
}

func (e *parseError) Error() string {
	return fmt.Sprintf("%s: %s", e.pos, e.msg)
}

type parser struct {
	s   scanner.Scanner
	tok rune
}

func newParser(src string) *parser {
	p := &parser{}
	p.s.Init(strings.NewReader(src))
	p.s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.SkipComments
	p.s.Filename = "magic"
	p.advance()
	return p
}

func (p *parser) advance() {
	p.tok = p.s.Scan()
}

func (p *parser) text() string {
	return p.s.TokenText()
}

func (p *parser) errorf(format string, v ...interface{}) *parseError {
	return &parseError{pos: p.s.Pos(), msg: fmt.Sprintf(format, v...)}
}

func (p *parser) expect(r rune) error {
	if p.tok != r {
		return p.errorf("expected %q, got %q", r, p.text())
	}
	p.advance()
	return nil
}

func (p *parser) parseIdent() (string, error) {
	if p.tok != scanner.Ident {
		return "", p.errorf("expected identifier, got %q", p.text())
	}
	s := p.text()
	p.advance()
	return s, nil
}

// parseAttrList parses an optional "[k=v, k2=v2, k3]" list.
func (p *parser) parseAttrList() (attrList, error) {
	attrs := attrList{}
	if p.tok != '[' {
		return attrs, nil
	}
	p.advance()
	for p.tok != ']' {
		key, err := p.parseIdent()
		if err != nil {
			return nil, err
		}
		val := ""
		if p.tok == '=' {
			p.advance()
			switch p.tok {
			case scanner.Ident:
				val = p.text()
				p.advance()
			case scanner.Int:
				val = p.text()
				p.advance()
			default:
				return nil, p.errorf("expected attribute value, got %q", p.text())
			}
		}
		attrs[key] = val
		if p.tok == ',' {
			p.advance()
			continue
		}
		break
	}
	if err := p.expect(']'); err != nil {
		return nil, err
	}
	return attrs, nil
}

func (p *parser) parseField() (rawField, error) {
	pos := p.s.Pos()
	attrs, err := p.parseAttrList()
	if err != nil {
		return rawField{}, err
	}
	name, err := p.parseIdent()
	if err != nil {
		return rawField{}, err
	}
	typeName, err := p.parseIdent()
	if err != nil {
		return rawField{}, err
	}
	return rawField{attrs: attrs, name: name, typeName: typeName, pos: pos}, nil
}

func (p *parser) parseSyscall() (rawSyscall, error) {
	pos := p.s.Pos()
	if err := p.expectKeyword("syscall"); err != nil {
		return rawSyscall{}, err
	}
	attrs, err := p.parseAttrList()
	if err != nil {
		return rawSyscall{}, err
	}
	name, err := p.parseIdent()
	if err != nil {
		return rawSyscall{}, err
	}
	if err := p.expect('{'); err != nil {
		return rawSyscall{}, err
	}
	var fields []rawField
	for p.tok != '}' {
		if p.tok == scanner.EOF {
			return rawSyscall{}, p.errorf("unexpected EOF in body of syscall %q", name)
		}
		f, err := p.parseField()
		if err != nil {
			return rawSyscall{}, err
		}
		fields = append(fields, f)
	}
	if err := p.expect('}'); err != nil {
		return rawSyscall{}, err
	}
	return rawSyscall{attrs: attrs, name: name, fields: fields, pos: pos}, nil
}

func (p *parser) expectKeyword(kw string) error {
	if p.tok != scanner.Ident || p.text() != kw {
		return p.errorf("expected %q, got %q", kw, p.text())
	}
	p.advance()
	return nil
}

func (p *parser) parseMagic() ([]rawSyscall, error) {
	var out []rawSyscall
	for p.tok != scanner.EOF {
		sc, err := p.parseSyscall()
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func attrInt(attrs attrList, key string) (uint64, bool, error) {
	v, ok := attrs[key]
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("attribute %q=%q is not an integer: %w", key, v, err)
	}
	return n, true, nil
}
