// Package dialogue turns a root comment and its flat reply list into linear
// dialogue chains, one per root-to-leaf path of the reply tree.
package dialogue

import (
	"strings"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
)

const quotePrefix = "回复 @"

// BuildChains returns every root-to-leaf path under root as a chain ordered
// root first. Children are visited in input order. Chains shorter than
// minLength are dropped, except that a root without replies always yields
// exactly one single-entry chain.
//
// A reply whose parent is unknown, the sentinel, or part of a parent cycle is
// attached directly to the root so every chain starts at the root comment.
func BuildChains(root crawler.RootComment, replies []crawler.Reply, videoTitle string, minLength int) []crawler.DialogueChain {
	if len(replies) == 0 {
		return []crawler.DialogueChain{{
			{From: root.Author, Value: Normalize(root.Text), Video: videoTitle},
		}}
	}
	nodes := map[int64]node{
		root.RPID: {author: root.Author, text: root.Text},
	}
	order := make([]int64, 0, len(replies))
	parents := make(map[int64]int64, len(replies))
	for _, r := range replies {
		if _, dup := nodes[r.RPID]; dup {
			continue
		}
		nodes[r.RPID] = node{author: r.Author, text: r.Text}
		order = append(order, r.RPID)
		parents[r.RPID] = r.ParentID
	}

	for _, id := range order {
		p := parents[id]
		if _, ok := nodes[p]; !ok || p == crawler.RootParent || p == id {
			parents[id] = root.RPID
		}
	}
	breakCycles(root.RPID, order, parents)

	children := make(map[int64][]int64, len(order))
	for _, id := range order {
		p := parents[id]
		children[p] = append(children[p], id)
	}

	entry := func(id int64) crawler.ChainEntry {
		n := nodes[id]
		return crawler.ChainEntry{From: n.author, Value: Normalize(n.text), Video: videoTitle}
	}

	var chains []crawler.DialogueChain
	type frame struct {
		id   int64
		next int
	}
	stack := []frame{{id: root.RPID}}
	path := crawler.DialogueChain{entry(root.RPID)}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		kids := children[top.id]
		if len(kids) == 0 {
			if len(path) >= minLength {
				chains = append(chains, append(crawler.DialogueChain(nil), path...))
			}
		}
		if top.next >= len(kids) {
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			continue
		}
		child := kids[top.next]
		top.next++
		stack = append(stack, frame{id: child})
		path = append(path, entry(child))
	}
	return chains
}

// Normalize removes the quoted "回复 @user:" preamble from reply text.
func Normalize(text string) string {
	if !strings.HasPrefix(text, quotePrefix) {
		return text
	}
	_, after, found := strings.Cut(text, ":")
	if !found {
		return text
	}
	return strings.TrimSpace(after)
}

type node struct {
	author string
	text   string
}

// breakCycles re-parents onto root the first reply found on any parent loop
// that never reaches root.
func breakCycles(root int64, order []int64, parents map[int64]int64) {
	reaches := map[int64]bool{root: true}
	for _, id := range order {
		seen := map[int64]bool{}
		cur := id
		for !reaches[cur] && !seen[cur] {
			seen[cur] = true
			cur = parents[cur]
		}
		if !reaches[cur] {
			parents[cur] = root
		}
		for n := range seen {
			reaches[n] = true
		}
	}
}
