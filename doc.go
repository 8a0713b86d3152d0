/*
Package sedpack implements an append-once, read-many shard store for
machine-learning training examples. Examples are packed into immutable,
compressed, self-describing shard files which can later be replayed in
full, in a shuffled order, or restricted to named splits, with bounded
memory and overlapped I/O, decompression and decoding.

Data Structure Documentation

Shard

A shard file contains a header, a series of independently compressed
records, a trailing record index and a footer.

	Shard layout:
	+--------+----------+---------+----------+--------------+--------------+
	| header | record 1 |   ...   | record n | record index | shard footer |
	+--------+----------+---------+----------+--------------+--------------+

	Header:
	+-----------+-------------+-----------------+--------------+-------------------------+--------------+
	| magic (8) | version (4) | compression (1) | reserved (3) | schema id len (uvarint) | schema bytes |
	+-----------+-------------+-----------------+--------------+-------------------------+--------------+

	Record:
	+-------------------+----------------------+------------------+--------------+
	| raw len (uvarint) | stored len (uvarint) | xxhash64 (8, LE) | stored bytes |
	+-------------------+----------------------+------------------+--------------+

	Record index, one entry per record:
	+------------------------+----------------------+-------------------+------------------+
	| offset delta (uvarint) | stored len (uvarint) | raw len (uvarint) | xxhash64 (8, LE) |
	+------------------------+----------------------+-------------------+------------------+

	Shard footer:
	+------------------+------------------+--------------------+---------------------+-----------+
	| index offset (8) | record count (8) | index xxhash64 (8) | total raw bytes (8) | magic (8) |
	+------------------+------------------+--------------------+---------------------+-----------+

A record is stored compressed only when compression makes it smaller;
otherwise the raw payload is stored and stored len equals raw len. The
index is written only after all records, so a shard missing its index
or footer is rejected as corrupt rather than misread.

Dataset

A dataset is a directory of shard files plus a manifest.json catalog
listing shard names, split labels and summary counts. Writers stage a
shard under a temporary name and rename it into place on finalize, so a
crash never leaves a partially written shard visible. The manifest is
rewritten the same way on every catalog update.
*/
package sedpack
