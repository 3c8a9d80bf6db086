package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"gzctf_core/internal/util"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	TeamHashToken = "[TEAM_HASH]"
	GUIDToken     = "[GUID]"
	LeetPrefix    = "[LEET]"
	CLeetPrefix   = "[CLEET]"

	// MinLeetEntropy 不含替换占位符的模板至少需要的熵（bit）
	MinLeetEntropy = 32.0
)

var leetTable = map[rune][]rune{
	'a': {'a', 'A', '4', '@'},
	'b': {'b', 'B', '8'},
	'e': {'e', 'E', '3'},
	'g': {'g', 'G', '6', '9'},
	'i': {'i', 'I', '1', '!'},
	'l': {'l', 'L', '1'},
	'o': {'o', 'O', '0'},
	's': {'s', 'S', '5', '$'},
	't': {'t', 'T', '7'},
	'z': {'z', 'Z', '2'},
}

// cleet 在 leet 基础上增加的符号替换
var complexLeetTable = map[rune][]rune{
	'a': {'^'},
	'c': {'('},
	'h': {'#'},
	'k': {'<'},
	'x': {'%'},
	'y': {'7'},
}

// FlagService 根据模板为 (队伍, 题目) 生成确定性的 flag
type FlagService struct{}

func NewFlagService() *FlagService {
	return &FlagService{}
}

// Generate 相同输入总是得到相同的 flag，不做模板校验
func (s *FlagService) Generate(template, salt, teamToken string, challengeID uint) string {
	ident := teamToken + "::" + salt + "::" + strconv.FormatUint(uint64(challengeID), 10)
	rng := rand.New(rand.NewChaCha8(flagSeed(salt, teamToken, challengeID)))

	template = strings.TrimSpace(template)
	if template == "" {
		return "flag{" + teamGUID(ident) + "}"
	}

	var body string
	switch {
	case strings.HasPrefix(template, CLeetPrefix):
		body = leet(template[len(CLeetPrefix):], rng, true)
	case strings.HasPrefix(template, LeetPrefix):
		body = leet(template[len(LeetPrefix):], rng, false)
	case !hasReservedToken(template):
		// 没有占位符时只能靠 leet 随机化区分队伍
		body = leet(template, rng, false)
	default:
		body = template
	}

	body = strings.ReplaceAll(body, TeamHashToken, teamHash(ident))
	body = strings.ReplaceAll(body, GUIDToken, teamGUID(ident))
	return body
}

// ValidateTemplate 在定义题目时调用
func (s *FlagService) ValidateTemplate(template string) error {
	template = strings.TrimSpace(template)
	if template == "" || hasReservedToken(template) {
		return nil
	}
	if e := LeetEntropy(template); e < MinLeetEntropy {
		return fmt.Errorf("%w: %.1f bits, need %.0f", util.ErrLowEntropyTemplate, e, MinLeetEntropy)
	}
	return nil
}

// LeetEntropy 只统计 {} 内可被 leet 替换的字母，数字和符号不计入
func LeetEntropy(text string) float64 {
	for _, token := range []string{CLeetPrefix, LeetPrefix, TeamHashToken, GUIDToken} {
		text = strings.ReplaceAll(text, token, "")
	}
	start, end := bodyRange(text)

	entropy := 0.0
	for _, r := range text[start:end] {
		if n := len(leetOptions(r, false)); n > 1 {
			entropy += math.Log2(float64(n))
		}
	}
	return entropy
}

func hasReservedToken(template string) bool {
	return strings.Contains(template, TeamHashToken) || strings.Contains(template, GUIDToken)
}

func flagSeed(salt, teamToken string, challengeID uint) [32]byte {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(teamToken))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatUint(uint64(challengeID), 10)))

	var seed [32]byte
	copy(seed[:], mac.Sum(nil))
	return seed
}

func teamHash(ident string) string {
	sum := sha256.Sum256([]byte(ident))
	return hex.EncodeToString(sum[:])[12:24]
}

func teamGUID(ident string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(ident)).String()
}

// bodyRange 返回第一个 { 与最后一个 } 之间的范围，没有时为整个字符串
func bodyRange(text string) (int, int) {
	open := strings.Index(text, "{")
	closing := strings.LastIndex(text, "}")
	if open >= 0 && closing > open {
		return open + 1, closing
	}
	return 0, len(text)
}

func leetOptions(r rune, complex bool) []rune {
	lower := unicode.ToLower(r)
	opts, ok := leetTable[lower]
	if !ok {
		if lower < 'a' || lower > 'z' {
			return nil
		}
		opts = []rune{lower, unicode.ToUpper(lower)}
	}
	if complex {
		if extra, ok := complexLeetTable[lower]; ok {
			opts = append(append([]rune{}, opts...), extra...)
		}
	}
	return opts
}

func leet(text string, rng *rand.Rand, complex bool) string {
	start, end := bodyRange(text)

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		if i < start || i >= end {
			b.WriteByte(text[i])
			i++
			continue
		}
		if tok := tokenAt(text, i); tok != "" {
			b.WriteString(tok)
			i += len(tok)
			continue
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		if opts := leetOptions(r, complex); len(opts) > 1 {
			b.WriteRune(opts[rng.IntN(len(opts))])
		} else {
			b.WriteRune(r)
		}
		i += size
	}
	return b.String()
}

func tokenAt(text string, i int) string {
	for _, tok := range []string{TeamHashToken, GUIDToken} {
		if strings.HasPrefix(text[i:], tok) {
			return tok
		}
	}
	return ""
}
